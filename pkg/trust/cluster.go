package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

// WalletCluster is a set of addresses believed to share one owner.
type WalletCluster struct {
	ClusterID string         `json:"cluster_id"`
	Members   []data.Account `json:"members"`
}

// WalletClusterer groups addresses with the common-input-ownership heuristic:
// addresses spent together as inputs of one transaction share an owner.
type WalletClusterer struct {
	ledger ledger.Ledger
	logger *zap.Logger

	mu          sync.RWMutex
	parent      map[data.Account]data.Account
	refreshedAt time.Time
}

func NewWalletClusterer(l ledger.Ledger, logger *zap.Logger) *WalletClusterer {
	return &WalletClusterer{
		ledger: l,
		logger: logger.Named("wallet_cluster"),
		parent: make(map[data.Account]data.Account),
	}
}

// Refresh rebuilds clusters from the ledger's co-spend records.
func (wc *WalletClusterer) Refresh(ctx context.Context) error {
	spends, err := wc.ledger.CoSpends(ctx)
	if err != nil {
		return fmt.Errorf("loading co-spends: %w", err)
	}

	uf := newUnionFind()
	for _, sp := range spends {
		for i := 1; i < len(sp.Inputs); i++ {
			uf.union(sp.Inputs[0], sp.Inputs[i])
		}
	}

	wc.mu.Lock()
	wc.parent = uf.parent
	wc.refreshedAt = time.Now()
	wc.mu.Unlock()

	wc.logger.Debug("Wallet clusters refreshed", zap.Int("coSpends", len(spends)))
	return nil
}

// Cluster returns the cluster containing address; unknown addresses form a singleton.
func (wc *WalletClusterer) Cluster(address data.Account) WalletCluster {
	wc.mu.RLock()
	defer wc.mu.RUnlock()

	root := find(wc.parent, address)
	var members []data.Account
	for a := range wc.parent {
		if find(wc.parent, a) == root {
			members = append(members, a)
		}
	}
	if len(members) == 0 {
		members = []data.Account{address}
	}
	data.SortAccounts(members)
	return WalletCluster{ClusterID: "wc-" + members[0].String(), Members: members}
}

// Same reports whether both addresses belong to one multi-address cluster.
func (wc *WalletClusterer) Same(a, b data.Account) bool {
	if a == b {
		return false
	}
	wc.mu.RLock()
	defer wc.mu.RUnlock()
	_, okA := wc.parent[a]
	_, okB := wc.parent[b]
	return okA && okB && find(wc.parent, a) == find(wc.parent, b)
}

// Clusters returns every cluster with more than one member.
func (wc *WalletClusterer) Clusters() []WalletCluster {
	wc.mu.RLock()
	groups := make(map[data.Account][]data.Account)
	for a := range wc.parent {
		root := find(wc.parent, a)
		groups[root] = append(groups[root], a)
	}
	wc.mu.RUnlock()

	roots := make([]data.Account, 0, len(groups))
	for r, members := range groups {
		if len(members) > 1 {
			roots = append(roots, r)
		}
	}
	data.SortAccounts(roots)

	out := make([]WalletCluster, 0, len(roots))
	for _, r := range roots {
		members := data.SortAccounts(groups[r])
		out = append(out, WalletCluster{ClusterID: "wc-" + members[0].String(), Members: members})
	}
	return out
}

// unionFind keeps the smallest account as each set's root so cluster IDs are stable.
type unionFind struct {
	parent map[data.Account]data.Account
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[data.Account]data.Account)}
}

func (u *unionFind) add(a data.Account) {
	if _, ok := u.parent[a]; !ok {
		u.parent[a] = a
	}
}

func (u *unionFind) union(a, b data.Account) {
	u.add(a)
	u.add(b)
	ra, rb := find(u.parent, a), find(u.parent, b)
	if ra == rb {
		return
	}
	if rb.Less(ra) {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

// find walks to the root without path compression so it is safe under a read lock.
func find(parent map[data.Account]data.Account, a data.Account) data.Account {
	for {
		p, ok := parent[a]
		if !ok || p == a {
			return a
		}
		a = p
	}
}
