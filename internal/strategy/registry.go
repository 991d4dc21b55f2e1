package strategy

import (
	"sort"
	"sync"
)

// Registry is the read side used by the loop and the gate. Lookup is by
// pair or by rule id; Replace swaps the whole rule set atomically.
type Registry struct {
	mu    sync.RWMutex
	byKey map[Key]Rule
	byID  map[string]Rule
}

func NewRegistry(rules ...Rule) *Registry {
	r := &Registry{byKey: map[Key]Rule{}, byID: map[string]Rule{}}
	r.Replace(rules)
	return r
}

// Replace installs a new rule set, dropping the old one.
func (r *Registry) Replace(rules []Rule) {
	byKey := make(map[Key]Rule, len(rules))
	byID := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		byKey[rule.Key()] = rule
		byID[rule.ID] = rule
	}
	r.mu.Lock()
	r.byKey = byKey
	r.byID = byID
	r.mu.Unlock()
}

// Get returns the rule for a pair.
func (r *Registry) Get(symbol, timeframe string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byKey[Key{Symbol: symbol, Timeframe: timeframe}]
	return rule, ok
}

// GetByID returns the rule with the given id.
func (r *Registry) GetByID(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.byID[id]
	return rule, ok
}

// ActiveKeys lists the pairs with an active rule, sorted for stable
// iteration order in the loop.
func (r *Registry) ActiveKeys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.byKey))
	for k, rule := range r.byKey {
		if rule.Active() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Symbol != keys[j].Symbol {
			return keys[i].Symbol < keys[j].Symbol
		}
		return keys[i].Timeframe < keys[j].Timeframe
	})
	return keys
}

// Len reports the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}
