package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	_ "github.com/lib/pq"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
)

// schema is applied on open. decision_records carries a trigger that
// blocks UPDATE and DELETE, so append-only holds at the database, not
// just by application discipline.
const schema = `
CREATE TABLE IF NOT EXISTS risk_config (
	id boolean PRIMARY KEY DEFAULT true CHECK (id),
	ai_trading_enabled boolean NOT NULL,
	min_confidence_threshold numeric(5,2) NOT NULL,
	max_lot_size numeric(10,2) NOT NULL,
	max_concurrent_trades integer NOT NULL,
	daily_profit_target numeric(12,2) NOT NULL,
	stop_after_target boolean NOT NULL,
	max_drawdown_amount numeric(12,2) NOT NULL,
	halt_on_drawdown boolean NOT NULL,
	allow_off_watchlist_autotrade boolean NOT NULL,
	last_halt_reason text,
	updated_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_ideas (
	id text PRIMARY KEY,
	created_at timestamptz NOT NULL,
	symbol text NOT NULL,
	timeframe text NOT NULL,
	direction text NOT NULL,
	entry numeric(18,5) NOT NULL,
	stop_loss numeric(18,5) NOT NULL,
	targets jsonb NOT NULL DEFAULT '[]',
	volume numeric(10,2) NOT NULL,
	rr_ratio numeric(8,2) NOT NULL,
	confidence integer NOT NULL,
	confidence_level text NOT NULL,
	emnr_flags jsonb NOT NULL DEFAULT '{}',
	score_breakdown jsonb NOT NULL DEFAULT '{}',
	execution_plan jsonb NOT NULL DEFAULT '{}',
	status text NOT NULL,
	strategy_id text NOT NULL,
	snapshot_ref text NOT NULL,
	rationale text NOT NULL DEFAULT '',
	news_blocked boolean NOT NULL DEFAULT false,
	order_id text NOT NULL DEFAULT '',
	filled_price numeric(18,5) NOT NULL DEFAULT 0,
	failure_reason text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS trade_ideas_status_idx ON trade_ideas (status, created_at DESC);

CREATE TABLE IF NOT EXISTS decision_records (
	id text PRIMARY KEY,
	occurred_at timestamptz NOT NULL,
	symbol text,
	action text NOT NULL,
	rationale text NOT NULL DEFAULT '',
	confidence integer,
	risk_check_result text,
	strategy_id text,
	trade_idea_id text,
	snapshot_ref text,
	human_override boolean NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS decision_records_idea_idx ON decision_records (trade_idea_id, occurred_at);
CREATE INDEX IF NOT EXISTS decision_records_time_idx ON decision_records (occurred_at DESC);

CREATE OR REPLACE FUNCTION decision_records_guard() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'decision_records is append-only';
END $$ LANGUAGE plpgsql;
DROP TRIGGER IF EXISTS decision_records_append_only ON decision_records;
CREATE TRIGGER decision_records_append_only
	BEFORE UPDATE OR DELETE ON decision_records
	FOR EACH ROW EXECUTE FUNCTION decision_records_guard();
`

// PostgresStore backs the engine with Postgres. Writes are per-row
// statements; the engine's volumes do not need batching.
type PostgresStore struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadRiskConfig(ctx context.Context) (risk.Config, bool, error) {
	var row struct {
		risk.Config
		LastHaltReason sql.NullString `db:"last_halt_reason"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT ai_trading_enabled, min_confidence_threshold, max_lot_size,
		       max_concurrent_trades, daily_profit_target, stop_after_target,
		       max_drawdown_amount, halt_on_drawdown, allow_off_watchlist_autotrade,
		       last_halt_reason, updated_at
		FROM risk_config WHERE id = true`)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.Config{}, false, nil
	}
	if err != nil {
		return risk.Config{}, false, fmt.Errorf("load risk config: %w", err)
	}
	cfg := row.Config
	cfg.LastHaltReason = row.LastHaltReason.String
	return cfg, true, nil
}

func (s *PostgresStore) SaveRiskConfig(ctx context.Context, cfg risk.Config) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_config (
			id, ai_trading_enabled, min_confidence_threshold, max_lot_size,
			max_concurrent_trades, daily_profit_target, stop_after_target,
			max_drawdown_amount, halt_on_drawdown, allow_off_watchlist_autotrade,
			last_halt_reason, updated_at
		) VALUES (true, $1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11)
		ON CONFLICT (id) DO UPDATE SET
			ai_trading_enabled = EXCLUDED.ai_trading_enabled,
			min_confidence_threshold = EXCLUDED.min_confidence_threshold,
			max_lot_size = EXCLUDED.max_lot_size,
			max_concurrent_trades = EXCLUDED.max_concurrent_trades,
			daily_profit_target = EXCLUDED.daily_profit_target,
			stop_after_target = EXCLUDED.stop_after_target,
			max_drawdown_amount = EXCLUDED.max_drawdown_amount,
			halt_on_drawdown = EXCLUDED.halt_on_drawdown,
			allow_off_watchlist_autotrade = EXCLUDED.allow_off_watchlist_autotrade,
			last_halt_reason = EXCLUDED.last_halt_reason,
			updated_at = EXCLUDED.updated_at`,
		cfg.Enabled, cfg.MinConfidence, cfg.MaxLotSize, cfg.MaxConcurrentTrades,
		cfg.DailyProfitTarget, cfg.StopAfterTarget, cfg.MaxDrawdown,
		cfg.HaltOnDrawdown, cfg.AllowOffWatchlist, cfg.LastHaltReason, cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save risk config: %w", err)
	}
	return nil
}

// ideaRow flattens the nested idea parts into jsonb columns.
type ideaRow struct {
	decision.TradeIdea
	TargetsJSON   types.JSONText `db:"targets"`
	FlagsJSON     types.JSONText `db:"emnr_flags"`
	BreakdownJSON types.JSONText `db:"score_breakdown"`
	PlanJSON      types.JSONText `db:"execution_plan"`
}

func newIdeaRow(idea decision.TradeIdea) (ideaRow, error) {
	row := ideaRow{TradeIdea: idea}
	var err error
	if row.TargetsJSON, err = json.Marshal(idea.Targets); err != nil {
		return row, err
	}
	if row.FlagsJSON, err = json.Marshal(idea.Flags); err != nil {
		return row, err
	}
	if row.BreakdownJSON, err = json.Marshal(idea.Breakdown); err != nil {
		return row, err
	}
	if row.PlanJSON, err = json.Marshal(idea.Plan); err != nil {
		return row, err
	}
	return row, nil
}

func (r ideaRow) unpack() (decision.TradeIdea, error) {
	idea := r.TradeIdea
	if len(r.TargetsJSON) > 0 {
		if err := json.Unmarshal(r.TargetsJSON, &idea.Targets); err != nil {
			return idea, err
		}
	}
	if len(r.FlagsJSON) > 0 {
		if err := json.Unmarshal(r.FlagsJSON, &idea.Flags); err != nil {
			return idea, err
		}
	}
	if len(r.BreakdownJSON) > 0 {
		if err := json.Unmarshal(r.BreakdownJSON, &idea.Breakdown); err != nil {
			return idea, err
		}
	}
	if len(r.PlanJSON) > 0 {
		if err := json.Unmarshal(r.PlanJSON, &idea.Plan); err != nil {
			return idea, err
		}
	}
	return idea, nil
}

const ideaColumns = `id, created_at, symbol, timeframe, direction, entry, stop_loss,
	targets, volume, rr_ratio, confidence, confidence_level, emnr_flags,
	score_breakdown, execution_plan, status, strategy_id, snapshot_ref,
	rationale, news_blocked, order_id, filled_price, failure_reason`

func (s *PostgresStore) SaveIdea(ctx context.Context, idea decision.TradeIdea) error {
	row, err := newIdeaRow(idea)
	if err != nil {
		return fmt.Errorf("encode idea: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO trade_ideas (`+ideaColumns+`) VALUES (
			:id, :created_at, :symbol, :timeframe, :direction, :entry, :stop_loss,
			:targets, :volume, :rr_ratio, :confidence, :confidence_level, :emnr_flags,
			:score_breakdown, :execution_plan, :status, :strategy_id, :snapshot_ref,
			:rationale, :news_blocked, :order_id, :filled_price, :failure_reason
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			volume = EXCLUDED.volume,
			entry = EXCLUDED.entry,
			stop_loss = EXCLUDED.stop_loss,
			targets = EXCLUDED.targets,
			rr_ratio = EXCLUDED.rr_ratio,
			rationale = EXCLUDED.rationale,
			order_id = EXCLUDED.order_id,
			filled_price = EXCLUDED.filled_price,
			failure_reason = EXCLUDED.failure_reason`, row)
	if err != nil {
		return fmt.Errorf("save idea %s: %w", idea.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetIdea(ctx context.Context, id string) (decision.TradeIdea, bool, error) {
	var row ideaRow
	err := s.db.GetContext(ctx, &row, `SELECT `+ideaColumns+` FROM trade_ideas WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.TradeIdea{}, false, nil
	}
	if err != nil {
		return decision.TradeIdea{}, false, fmt.Errorf("get idea %s: %w", id, err)
	}
	idea, err := row.unpack()
	if err != nil {
		return decision.TradeIdea{}, false, fmt.Errorf("decode idea %s: %w", id, err)
	}
	return idea, true, nil
}

func (s *PostgresStore) ListIdeasByStatus(ctx context.Context, status decision.IdeaStatus, limit int) ([]decision.TradeIdea, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []ideaRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+ideaColumns+` FROM trade_ideas
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list ideas by status %s: %w", status, err)
	}
	out := make([]decision.TradeIdea, 0, len(rows))
	for _, row := range rows {
		idea, err := row.unpack()
		if err != nil {
			log.Warn().Str("id", row.ID).Err(err).Msg("skipping undecodable idea row")
			continue
		}
		out = append(out, idea)
	}
	return out, nil
}

func (s *PostgresStore) AppendRecord(ctx context.Context, rec decision.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decision_records (
			id, occurred_at, symbol, action, rationale, confidence,
			risk_check_result, strategy_id, trade_idea_id, snapshot_ref, human_override
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)`,
		rec.ID, rec.OccurredAt, rec.Symbol, rec.Action, rec.Rationale, rec.Confidence,
		rec.RiskCheckResult, rec.StrategyID, rec.TradeIdeaID, rec.SnapshotRef, rec.HumanOverride)
	if err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, q RecordQuery) ([]decision.Record, error) {
	limit := q.Limit
	if limit < 0 {
		limit = 0
	}
	var out []decision.Record
	// LIMIT NULL is no limit, honoring Limit 0.
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, occurred_at, COALESCE(symbol, '') AS symbol, action, rationale,
		       confidence, COALESCE(risk_check_result, '') AS risk_check_result,
		       COALESCE(strategy_id, '') AS strategy_id,
		       COALESCE(trade_idea_id, '') AS trade_idea_id,
		       COALESCE(snapshot_ref, '') AS snapshot_ref, human_override
		FROM decision_records
		WHERE ($1 = '' OR trade_idea_id = $1)
		  AND ($2 = '' OR symbol = $2)
		ORDER BY occurred_at DESC LIMIT NULLIF($3, 0)`, q.IdeaID, q.Symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list decision records: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
