package decision

import (
	"math"
	"testing"
	"time"

	"github.com/tradewheel/autonomy/internal/strategy"
)

func TestSessionAt(t *testing.T) {
	testCases := []struct {
		hour int
		want string
	}{
		{0, "Sydney"},
		{1, "Sydney"},
		{2, "Tokyo"},
		{8, "Tokyo"},
		{9, "London"},
		{12, "London"},
		{16, "London"},
		{17, "NewYork"},
		{22, "NewYork"},
		{23, "Sydney"},
	}
	for _, tc := range testCases {
		at := time.Date(2025, 3, 10, tc.hour, 30, 0, 0, time.UTC)
		if got := SessionAt(at); got != tc.want {
			t.Errorf("hour %d: got %s want %s", tc.hour, got, tc.want)
		}
	}
}

func TestAligned(t *testing.T) {
	profile := Profile{
		BestTimeframes: []string{"H1", "H4"},
		BestSessions:   []string{"London"},
	}
	rule := strategy.Rule{Sessions: []string{"NewYork"}}

	testCases := []struct {
		name      string
		timeframe string
		session   string
		want      bool
	}{
		{"timeframe and profile session", "H1", "London", true},
		{"timeframe and rule session", "H4", "NewYork", true},
		{"session outside both lists", "H1", "Tokyo", false},
		{"timeframe not preferred", "M15", "London", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Aligned(tc.timeframe, tc.session, profile, rule); got != tc.want {
				t.Errorf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestAlignedEmptyPreferences(t *testing.T) {
	// a profile with no stated preferences never aligns
	if Aligned("H1", "London", Profile{}, strategy.Rule{}) {
		t.Error("empty profile should not align")
	}
}

func TestProfileNormalize(t *testing.T) {
	p := Profile{}.Normalize()
	if p.PipSize != 0.0001 {
		t.Errorf("pip size default: got %v", p.PipSize)
	}
	if p.PipValuePerLot != 10 {
		t.Errorf("pip value default: got %v", p.PipValuePerLot)
	}
	if p.MinLot != 0.01 || p.MaxLot != 100 || p.LotStep != 0.01 {
		t.Errorf("lot defaults: got min=%v max=%v step=%v", p.MinLot, p.MaxLot, p.LotStep)
	}

	set := Profile{PipSize: 0.01, MinLot: 0.1, MaxLot: 5, LotStep: 0.1}.Normalize()
	if set.PipSize != 0.01 || set.MinLot != 0.1 || set.MaxLot != 5 || set.LotStep != 0.1 {
		t.Errorf("explicit values must survive Normalize: %+v", set)
	}
}

func TestClampVolume(t *testing.T) {
	p := Profile{MinLot: 0.01, MaxLot: 50, LotStep: 0.01}
	testCases := []struct {
		name string
		in   float64
		want float64
	}{
		{"below min", 0.001, 0.01},
		{"above max", 120, 50},
		{"floored to step", 0.057, 0.05},
		{"exact step survives", 0.25, 0.25},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.ClampVolume(tc.in); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestClampVolumeCoarseStep(t *testing.T) {
	p := Profile{MinLot: 1, MaxLot: 100, LotStep: 1}
	if got := p.ClampVolume(7.9); got != 7 {
		t.Errorf("coarse step: got %v want 7", got)
	}
}
