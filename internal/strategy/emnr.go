package strategy

// Flags are the four EMNR booleans. Entry and Exit may legitimately be
// true (or false) at the same time; conflict resolution belongs to the
// action scheduler downstream, never here.
type Flags struct {
	Entry  bool `json:"entry"`
	Exit   bool `json:"exit"`
	Strong bool `json:"strong"`
	Weak   bool `json:"weak"`
}

// EvaluateConditions reduces a fact set to EMNR flags. Each flag is true
// iff every fact in its list is true; an empty list means the flag is
// never asserted.
func EvaluateConditions(c Conditions, set map[string]bool) Flags {
	return Flags{
		Entry:  allOf(c.Entry, set),
		Exit:   allOf(c.Exit, set),
		Strong: allOf(c.Strong, set),
		Weak:   allOf(c.Weak, set),
	}
}

func allOf(names []string, set map[string]bool) bool {
	if len(names) == 0 {
		return false
	}
	for _, name := range names {
		if !set[name] {
			return false
		}
	}
	return true
}
