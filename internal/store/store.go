package store

import (
	"context"
	"fmt"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/observ"
	"github.com/tradewheel/autonomy/internal/risk"
)

var log = observ.Component("store")

// RecordQuery filters audit-log reads. Zero fields match everything;
// Limit 0 means no cap.
type RecordQuery struct {
	IdeaID string
	Symbol string
	Limit  int
}

// Store is the persistence surface the engine needs: create and
// update by id on ideas, a single global risk record, and append-only
// writes on the audit log. No delete operation exists anywhere on
// this interface.
type Store interface {
	LoadRiskConfig(ctx context.Context) (risk.Config, bool, error)
	SaveRiskConfig(ctx context.Context, cfg risk.Config) error

	SaveIdea(ctx context.Context, idea decision.TradeIdea) error
	GetIdea(ctx context.Context, id string) (decision.TradeIdea, bool, error)
	ListIdeasByStatus(ctx context.Context, status decision.IdeaStatus, limit int) ([]decision.TradeIdea, error)

	AppendRecord(ctx context.Context, rec decision.Record) error
	ListRecords(ctx context.Context, q RecordQuery) ([]decision.Record, error)

	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string // "jsonl" or "postgres"
	Dir     string // jsonl data directory
	DSN     string // postgres connection string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "jsonl":
		return OpenJSONL(opts.Dir)
	case "postgres":
		return OpenPostgres(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
