package adapters

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/tradewheel/autonomy/internal/facts"
)

// MockFeed serves scripted bar windows and account state for tests and
// dry runs. Everything is settable; nothing touches the network.
type MockFeed struct {
	mu        sync.Mutex
	bars      map[string][]facts.Bar // keyed symbol|timeframe
	account   AccountState
	barsErr   error
	healthErr error
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		bars: make(map[string][]facts.Bar),
		account: AccountState{
			Balance:    10000,
			Equity:     10000,
			FreeMargin: 10000,
			Currency:   "USD",
			UpdatedAt:  time.Now().UTC(),
		},
	}
}

// SetBars scripts the window returned for a symbol/timeframe pair.
func (m *MockFeed) SetBars(symbol, timeframe string, bars []facts.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[mockKey(symbol, timeframe)] = bars
}

// SetAccount scripts the account snapshot.
func (m *MockFeed) SetAccount(state AccountState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = state
}

// SetError forces every GetBars call to fail.
func (m *MockFeed) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barsErr = err
}

// SetHealth scripts the health probe outcome.
func (m *MockFeed) SetHealth(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

func (m *MockFeed) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]facts.Bar, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.barsErr != nil {
		return nil, m.barsErr
	}
	bars, ok := m.bars[mockKey(symbol, timeframe)]
	if !ok {
		return nil, NewBadSymbolError(symbol, "no scripted bars")
	}
	if count < len(bars) {
		bars = bars[len(bars)-count:]
	}
	return append([]facts.Bar(nil), bars...), nil
}

func (m *MockFeed) GetAccountState(ctx context.Context) (AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, nil
}

func (m *MockFeed) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthErr
}

func (m *MockFeed) Close() error { return nil }

func mockKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + strings.ToUpper(timeframe)
}

// MockNews serves scripted penalty/embargo answers.
type MockNews struct {
	mu        sync.Mutex
	penalties map[string]mockNewsEntry
	err       error
}

type mockNewsEntry struct {
	penalty int
	blocked bool
}

func NewMockNews() *MockNews {
	return &MockNews{penalties: make(map[string]mockNewsEntry)}
}

// SetNews scripts the answer for a symbol. Unscripted symbols report a
// calm window.
func (m *MockNews) SetNews(symbol string, penalty int, blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.penalties[strings.ToUpper(symbol)] = mockNewsEntry{penalty: penalty, blocked: blocked}
}

// SetError forces lookups to fail, which callers treat as a blocked
// window.
func (m *MockNews) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockNews) GetNewsPenalty(ctx context.Context, symbol string, window time.Duration) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, false, m.err
	}
	entry := m.penalties[strings.ToUpper(symbol)]
	return entry.penalty, entry.blocked, nil
}

func (m *MockNews) Close() error { return nil }

// MockBroker records dispatched orders and answers with a scripted
// result, so execution paths can be asserted without a venue.
type MockBroker struct {
	mu     sync.Mutex
	placed []OrderSpec
	result OrderResult
	err    error
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		result: OrderResult{OrderID: "mock-order-1", Status: "filled", FilledPrice: 1.1000},
	}
}

// SetResult scripts the acknowledgement for subsequent orders.
func (m *MockBroker) SetResult(result OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = result
}

// SetError forces PlaceOrder to fail.
func (m *MockBroker) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Placed returns every OrderSpec dispatched so far.
func (m *MockBroker) Placed() []OrderSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderSpec(nil), m.placed...)
}

func (m *MockBroker) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return OrderResult{}, m.err
	}
	m.placed = append(m.placed, spec)
	result := m.result
	if result.ExecutedAt.IsZero() {
		result.ExecutedAt = time.Now().UTC()
	}
	return result, nil
}

func (m *MockBroker) Close() error { return nil }
