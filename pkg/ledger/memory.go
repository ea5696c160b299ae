package ledger

import (
	"context"
	"sync"

	"hat_reputation/pkg/data"
)

// Memory is an in-process Ledger and HistoryStore.
type Memory struct {
	mu           sync.RWMutex
	height       uint64
	stakes       map[data.Account]StakeInfo
	accounts     map[data.Account]AccountInfo
	edges        []EdgeRecord
	coSpends     []CoSpend
	funders      map[data.Account]data.Account
	interactions map[data.Account][]Interaction
	failure      error
}

var (
	_ Ledger       = (*Memory)(nil)
	_ HistoryStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		stakes:       make(map[data.Account]StakeInfo),
		accounts:     make(map[data.Account]AccountInfo),
		funders:      make(map[data.Account]data.Account),
		interactions: make(map[data.Account][]Interaction),
	}
}

// SetFailure makes every read return err until cleared with nil.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

func (m *Memory) SetHeight(h uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = h
}

func (m *Memory) SetStake(a data.Account, s StakeInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stakes[a] = s
}

func (m *Memory) SetAccount(a data.Account, info AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a] = info
}

func (m *Memory) SetFunder(a, funder data.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funders[a] = funder
}

func (m *Memory) AddEdgeRecord(r EdgeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, r)
}

func (m *Memory) AddCoSpend(c CoSpend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coSpends = append(m.coSpends, c)
}

func (m *Memory) AddInteraction(a data.Account, in Interaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions[a] = append(m.interactions[a], in)
}

func (m *Memory) BlockHeight(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return 0, m.failure
	}
	return m.height, nil
}

func (m *Memory) Stake(ctx context.Context, a data.Account) (StakeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return StakeInfo{}, m.failure
	}
	return m.stakes[a], nil
}

func (m *Memory) Account(ctx context.Context, a data.Account) (AccountInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return AccountInfo{}, m.failure
	}
	return m.accounts[a], nil
}

func (m *Memory) ConfirmedEdges(ctx context.Context, sinceHeight uint64) ([]EdgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	var out []EdgeRecord
	for _, r := range m.edges {
		if r.Edge.Height > sinceHeight {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) CoSpends(ctx context.Context) ([]CoSpend, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	return append([]CoSpend(nil), m.coSpends...), nil
}

func (m *Memory) FundingSource(ctx context.Context, a data.Account) (data.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return data.ZeroAccount, m.failure
	}
	return m.funders[a], nil
}

func (m *Memory) Interactions(ctx context.Context, a data.Account) ([]Interaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	return append([]Interaction(nil), m.interactions[a]...), nil
}
