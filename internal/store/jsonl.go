package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tradewheel/autonomy/internal/decision"
	"github.com/tradewheel/autonomy/internal/risk"
)

const (
	ideasFile   = "ideas.jsonl"
	recordsFile = "records.jsonl"
	riskFile    = "risk_config.json"
)

// JSONLStore keeps everything in line-delimited JSON under one
// directory. Ideas are journaled, last write per id wins on replay;
// the records journal is append-only and never rewritten.
type JSONLStore struct {
	dir   string
	mu    sync.Mutex
	ideas map[string]decision.TradeIdea
}

// OpenJSONL creates the directory if needed and replays the idea
// journal into memory. Corrupt lines are skipped with a warning so a
// torn final write cannot brick startup.
func OpenJSONL(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &JSONLStore{dir: dir, ideas: make(map[string]decision.TradeIdea)}
	if err := s.replayIdeas(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) replayIdeas() error {
	f, err := os.Open(filepath.Join(s.dir, ideasFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open idea journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var idea decision.TradeIdea
		if err := json.Unmarshal(scanner.Bytes(), &idea); err != nil {
			log.Warn().Int("line", line).Err(err).Msg("skipping corrupt idea journal line")
			continue
		}
		s.ideas[idea.ID] = idea
	}
	return scanner.Err()
}

func (s *JSONLStore) appendLine(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *JSONLStore) LoadRiskConfig(_ context.Context) (risk.Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.dir, riskFile))
	if err != nil {
		if os.IsNotExist(err) {
			return risk.Config{}, false, nil
		}
		return risk.Config{}, false, fmt.Errorf("read risk config: %w", err)
	}
	var cfg risk.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return risk.Config{}, false, fmt.Errorf("unmarshal risk config: %w", err)
	}
	return cfg, true, nil
}

func (s *JSONLStore) SaveRiskConfig(_ context.Context, cfg risk.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, riskFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write risk config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename risk config: %w", err)
	}
	return nil
}

func (s *JSONLStore) SaveIdea(_ context.Context, idea decision.TradeIdea) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLine(ideasFile, idea); err != nil {
		return fmt.Errorf("journal idea: %w", err)
	}
	s.ideas[idea.ID] = idea
	return nil
}

func (s *JSONLStore) GetIdea(_ context.Context, id string) (decision.TradeIdea, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idea, ok := s.ideas[id]
	return idea, ok, nil
}

func (s *JSONLStore) ListIdeasByStatus(_ context.Context, status decision.IdeaStatus, limit int) ([]decision.TradeIdea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decision.TradeIdea
	for _, idea := range s.ideas {
		if idea.Status == status {
			out = append(out, idea)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *JSONLStore) AppendRecord(_ context.Context, rec decision.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLine(recordsFile, rec); err != nil {
		return fmt.Errorf("append decision record: %w", err)
	}
	return nil
}

// ListRecords scans the journal newest-first. The file is the source
// of truth; no in-memory copy exists to drift from it.
func (s *JSONLStore) ListRecords(_ context.Context, q RecordQuery) ([]decision.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, recordsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open record journal: %w", err)
	}
	defer f.Close()

	var all []decision.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec decision.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			log.Warn().Err(err).Msg("skipping corrupt record journal line")
			continue
		}
		if q.IdeaID != "" && rec.TradeIdeaID != q.IdeaID {
			continue
		}
		if q.Symbol != "" && rec.Symbol != q.Symbol {
			continue
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

func (s *JSONLStore) Close() error { return nil }
