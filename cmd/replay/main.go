// Command replay rebuilds trade idea histories and the halt/resume
// timeline from the append-only decision log. It reads the same store
// the engine writes and cross-checks every reconstructed resolution
// against the persisted idea, so log and state divergence shows up in
// an audit instead of an incident.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
	"github.com/tradewheel/autonomy/internal/store"
)

type step struct {
	At        time.Time `json:"at"`
	Action    string    `json:"action"`
	Check     string    `json:"check,omitempty"`
	Rationale string    `json:"rationale,omitempty"`
	Override  bool      `json:"human_override,omitempty"`
}

type ideaHistory struct {
	Kind       string `json:"kind"`
	IdeaID     string `json:"idea_id"`
	Symbol     string `json:"symbol"`
	StrategyID string `json:"strategy_id,omitempty"`
	Steps      []step `json:"steps"`
	Resolution string `json:"resolution"`
	Stored     string `json:"stored_status,omitempty"`
	Diverged   bool   `json:"diverged,omitempty"`
}

type haltSpan struct {
	Kind      string     `json:"kind"`
	Trigger   string     `json:"trigger"`
	Reason    string     `json:"reason"`
	HaltedAt  time.Time  `json:"halted_at"`
	ResumedAt *time.Time `json:"resumed_at,omitempty"`
	ResumedBy string     `json:"resumed_by,omitempty"`
	Duration  string     `json:"duration,omitempty"`
}

type summary struct {
	Kind        string         `json:"kind"`
	Records     int            `json:"records"`
	Ideas       int            `json:"ideas"`
	Actions     map[string]int `json:"actions"`
	Resolutions map[string]int `json:"resolutions"`
	Halts       int            `json:"halts"`
	OpenHalt    bool           `json:"open_halt"`
	TimeHalted  string         `json:"time_halted,omitempty"`
	Diverged    int            `json:"diverged"`
}

func main() {
	var (
		backend string
		dir     string
		dsn     string
		symbol  string
		ideaID  string
		limit   int
		asJSON  bool
		verbose bool
	)
	flag.StringVar(&backend, "backend", "jsonl", "store backend (jsonl or postgres)")
	flag.StringVar(&dir, "data", "data", "jsonl data directory")
	flag.StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.StringVar(&symbol, "symbol", "", "only records for this symbol")
	flag.StringVar(&ideaID, "idea", "", "only records for this trade idea id")
	flag.IntVar(&limit, "limit", 0, "newest N records only (0 = all)")
	flag.BoolVar(&asJSON, "json", false, "emit JSON lines instead of text")
	flag.BoolVar(&verbose, "v", false, "print every step of every idea")
	flag.Parse()
	log.SetFlags(0)

	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Backend: backend, Dir: dir, DSN: dsn})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	recs, err := st.ListRecords(ctx, store.RecordQuery{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		IdeaID: ideaID,
		Limit:  limit,
	})
	if err != nil {
		log.Fatalf("list records: %v", err)
	}
	if len(recs) == 0 {
		log.Println("no records")
		return
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].OccurredAt.Before(recs[j].OccurredAt) })

	byIdea := map[string][]decision.Record{}
	var order []string
	var global []decision.Record
	for _, r := range recs {
		if r.TradeIdeaID == "" {
			if r.Action == decision.RecordHalted || r.Action == decision.RecordResumed {
				global = append(global, r)
			}
			continue
		}
		if _, seen := byIdea[r.TradeIdeaID]; !seen {
			order = append(order, r.TradeIdeaID)
		}
		byIdea[r.TradeIdeaID] = append(byIdea[r.TradeIdeaID], r)
	}

	spans := buildSpans(global)
	histories := make([]ideaHistory, 0, len(order))
	for _, id := range order {
		histories = append(histories, buildHistory(ctx, st, id, byIdea[id]))
	}

	sum := summarize(recs, histories, spans)

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, s := range spans {
			_ = enc.Encode(s)
		}
		for _, h := range histories {
			_ = enc.Encode(h)
		}
		_ = enc.Encode(sum)
		return
	}
	printText(recs, spans, histories, sum, verbose)
}

// buildHistory folds one idea's records into a chronological history
// and pins the outcome the log implies against the stored idea.
func buildHistory(ctx context.Context, st store.Store, id string, recs []decision.Record) ideaHistory {
	h := ideaHistory{Kind: "idea", IdeaID: id}
	for _, r := range recs {
		if h.Symbol == "" {
			h.Symbol = r.Symbol
		}
		if h.StrategyID == "" {
			h.StrategyID = r.StrategyID
		}
		h.Steps = append(h.Steps, step{
			At:        r.OccurredAt,
			Action:    string(r.Action),
			Check:     r.RiskCheckResult,
			Rationale: r.Rationale,
			Override:  r.HumanOverride,
		})
	}
	h.Resolution = resolutionOf(recs[len(recs)-1])

	idea, found, err := st.GetIdea(ctx, id)
	switch {
	case err != nil:
		log.Printf("warning: idea %s lookup failed: %v", id, err)
	case !found:
		h.Stored = "(missing)"
		h.Diverged = true
	default:
		h.Stored = string(idea.Status)
		h.Diverged = !consistent(h.Resolution, h.Stored)
	}
	return h
}

// resolutionOf maps the final audit entry back to the idea status it
// implies. Halt-class check results mark ideas parked by a halt rather
// than rejected on merit.
func resolutionOf(last decision.Record) string {
	switch last.Action {
	case decision.RecordProposed:
		return string(decision.StatusPendingApproval)
	case decision.RecordRiskRejected:
		switch last.RiskCheckResult {
		case risk.CheckAITradingDisabled, risk.CheckDailyProfitTarget, risk.CheckMaxDrawdown:
			return string(decision.StatusHaltedByRisk)
		}
		return string(decision.StatusRejected)
	case decision.RecordHumanRejected:
		return string(decision.StatusRejected)
	case decision.RecordAutoExecuted:
		if strings.Contains(last.Rationale, "execution failed") {
			return string(decision.StatusFailedExecution)
		}
		return string(decision.StatusAutoExecuted)
	case decision.RecordHumanApproved:
		if strings.Contains(last.Rationale, "execution failed") {
			return string(decision.StatusFailedExecution)
		}
		return string(decision.StatusApproved)
	}
	return string(last.Action)
}

// consistent accepts the one lawful gap between log and state: a filled
// approval advances approved to executed without a second audit entry.
func consistent(derived, stored string) bool {
	if derived == stored {
		return true
	}
	return derived == string(decision.StatusApproved) && stored == string(decision.StatusExecuted)
}

func buildSpans(global []decision.Record) []haltSpan {
	var spans []haltSpan
	for _, r := range global {
		switch r.Action {
		case decision.RecordHalted:
			spans = append(spans, haltSpan{
				Kind:     "halt_span",
				Trigger:  triggerOf(r),
				Reason:   r.Rationale,
				HaltedAt: r.OccurredAt,
			})
		case decision.RecordResumed:
			if len(spans) == 0 || spans[len(spans)-1].ResumedAt != nil {
				// Resume without a halt in window; record it standalone.
				at := r.OccurredAt
				spans = append(spans, haltSpan{Kind: "halt_span", ResumedAt: &at, ResumedBy: resumerOf(r)})
				continue
			}
			last := &spans[len(spans)-1]
			at := r.OccurredAt
			last.ResumedAt = &at
			last.ResumedBy = resumerOf(r)
			last.Duration = at.Sub(last.HaltedAt).Truncate(time.Second).String()
		}
	}
	return spans
}

func triggerOf(r decision.Record) string {
	switch r.RiskCheckResult {
	case risk.CheckDailyProfitTarget:
		return string(risk.TriggerProfitTarget)
	case risk.CheckMaxDrawdown:
		return string(risk.TriggerDrawdown)
	}
	// Kill switch and config flips share a check result; the rationale
	// tells them apart.
	if strings.Contains(r.Rationale, "config update") {
		return string(risk.TriggerConfigUpdate)
	}
	return string(risk.TriggerKillSwitch)
}

func resumerOf(r decision.Record) string {
	if by, ok := strings.CutPrefix(r.Rationale, "resumed by "); ok {
		return by
	}
	if strings.Contains(r.Rationale, "config update") {
		return "config_update"
	}
	return ""
}

func summarize(recs []decision.Record, histories []ideaHistory, spans []haltSpan) summary {
	s := summary{
		Kind:        "summary",
		Records:     len(recs),
		Ideas:       len(histories),
		Actions:     map[string]int{},
		Resolutions: map[string]int{},
	}
	for _, r := range recs {
		s.Actions[string(r.Action)]++
	}
	var halted time.Duration
	for _, sp := range spans {
		if sp.HaltedAt.IsZero() {
			continue
		}
		s.Halts++
		if sp.ResumedAt == nil {
			s.OpenHalt = true
			continue
		}
		halted += sp.ResumedAt.Sub(sp.HaltedAt)
	}
	if halted > 0 {
		s.TimeHalted = halted.Truncate(time.Second).String()
	}
	for _, h := range histories {
		s.Resolutions[h.Resolution]++
		if h.Diverged {
			s.Diverged++
		}
	}
	return s
}

func printText(recs []decision.Record, spans []haltSpan, histories []ideaHistory, sum summary, verbose bool) {
	first, last := recs[0].OccurredAt, recs[len(recs)-1].OccurredAt
	fmt.Printf("audit log: %d records, %s .. %s\n", len(recs), first.Format(time.RFC3339), last.Format(time.RFC3339))

	if len(spans) > 0 {
		fmt.Printf("\nhalt/resume timeline:\n")
		for _, sp := range spans {
			switch {
			case sp.HaltedAt.IsZero():
				fmt.Printf("  %s  resume by %s (no halt in window)\n", sp.ResumedAt.Format(time.RFC3339), sp.ResumedBy)
			case sp.ResumedAt == nil:
				fmt.Printf("  %s  %-20s still halted  %s\n", sp.HaltedAt.Format(time.RFC3339), sp.Trigger, sp.Reason)
			default:
				fmt.Printf("  %s  %-20s resumed %s by %s (%s)  %s\n",
					sp.HaltedAt.Format(time.RFC3339), sp.Trigger,
					sp.ResumedAt.Format(time.RFC3339), sp.ResumedBy, sp.Duration, sp.Reason)
			}
		}
	}

	if len(histories) > 0 {
		fmt.Printf("\nideas (%d):\n", len(histories))
		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "  ID\tSYMBOL\tSTRATEGY\tSTEPS\tRESOLUTION\tSTORED")
		for _, h := range histories {
			stored := "ok"
			if h.Diverged {
				stored = "DIVERGED: " + h.Stored
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%d\t%s\t%s\n",
				shortID(h.IdeaID), h.Symbol, h.StrategyID, len(h.Steps), h.Resolution, stored)
		}
		tw.Flush()

		if verbose {
			for _, h := range histories {
				fmt.Printf("\n%s %s %s -> %s\n", shortID(h.IdeaID), h.Symbol, h.StrategyID, h.Resolution)
				for _, srec := range h.Steps {
					line := fmt.Sprintf("  %s  %-15s", srec.At.Format(time.RFC3339), srec.Action)
					if srec.Check != "" {
						line += "  " + srec.Check
					}
					if srec.Rationale != "" {
						line += "  " + srec.Rationale
					}
					if srec.Override {
						line += "  [override]"
					}
					fmt.Println(line)
				}
			}
		}
	}

	fmt.Printf("\nsummary:\n")
	fmt.Printf("  actions: %s\n", countLine(sum.Actions))
	fmt.Printf("  resolutions: %s\n", countLine(sum.Resolutions))
	switch {
	case sum.OpenHalt && sum.TimeHalted != "":
		fmt.Printf("  halts: %d (time halted %s, halt still open)\n", sum.Halts, sum.TimeHalted)
	case sum.OpenHalt:
		fmt.Printf("  halts: %d (halt still open)\n", sum.Halts)
	case sum.TimeHalted != "":
		fmt.Printf("  halts: %d (time halted %s)\n", sum.Halts, sum.TimeHalted)
	default:
		fmt.Printf("  halts: %d\n", sum.Halts)
	}
	if sum.Diverged > 0 {
		fmt.Printf("  DIVERGED: %d idea(s) whose stored status does not match the log\n", sum.Diverged)
	}
}

func countLine(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
