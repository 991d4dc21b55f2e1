package strategy

import "testing"

func TestEvaluateConditions(t *testing.T) {
	set := map[string]bool{
		"ema_fast_gt_slow":     true,
		"price_above_ema_fast": true,
		"macd_hist_gt_0":       true,
		"rsi_gt_70":            false,
	}

	testCases := []struct {
		name string
		cond Conditions
		want Flags
	}{
		{
			name: "entry asserted when every fact holds",
			cond: Conditions{Entry: []string{"ema_fast_gt_slow", "price_above_ema_fast"}},
			want: Flags{Entry: true},
		},
		{
			name: "one false fact defeats the list",
			cond: Conditions{Entry: []string{"ema_fast_gt_slow", "rsi_gt_70"}},
			want: Flags{},
		},
		{
			name: "missing fact counts as false",
			cond: Conditions{Strong: []string{"no_such_fact"}},
			want: Flags{},
		},
		{
			name: "empty lists assert nothing",
			cond: Conditions{},
			want: Flags{},
		},
		{
			name: "flags are independent",
			cond: Conditions{
				Entry: []string{"ema_fast_gt_slow"},
				Exit:  []string{"macd_hist_gt_0"},
				Weak:  []string{"rsi_gt_70"},
			},
			want: Flags{Entry: true, Exit: true},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EvaluateConditions(tc.cond, set); got != tc.want {
				t.Errorf("got %+v want %+v", got, tc.want)
			}
		})
	}
}

func TestEvaluateConditionsEmptyListNeverTrue(t *testing.T) {
	// even a fully-true fact set must not assert an empty list
	set := map[string]bool{"ema_fast_gt_slow": true}
	flags := EvaluateConditions(Conditions{}, set)
	if flags.Entry || flags.Exit || flags.Strong || flags.Weak {
		t.Errorf("empty condition lists asserted a flag: %+v", flags)
	}
}
