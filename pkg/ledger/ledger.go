// Package ledger declares what the reputation core consumes from the host
// ledger and the interaction-history store.
package ledger

import (
	"context"
	"time"

	"hat_reputation/pkg/data"
)

// StakeInfo is an account's current bonded stake.
type StakeInfo struct {
	Amount  data.Amount
	AgeDays int
	// Sources counts distinct accounts that funded the stake.
	Sources int
}

// AccountInfo is the ledger's view of an account at the current height.
type AccountInfo struct {
	AgeDays         int
	DaysSinceActive int
	TxCount         int
}

// EdgeRecord is a bonded trust transaction together with its confirmation depth.
type EdgeRecord struct {
	Edge          data.TrustEdge
	Confirmations int
}

// CoSpend lists the input accounts consumed by one transaction.
type CoSpend struct {
	TxID   string
	Inputs []data.Account
}

// Interaction is one entry of an account's trade history.
type Interaction struct {
	Counterparty data.Account
	Volume       data.Amount
	Success      bool
	Disputed     bool
	Outgoing     bool
	Timestamp    time.Time
}

// Ledger exposes finalized state only.
type Ledger interface {
	BlockHeight(ctx context.Context) (uint64, error)
	Stake(ctx context.Context, account data.Account) (StakeInfo, error)
	Account(ctx context.Context, account data.Account) (AccountInfo, error)
	ConfirmedEdges(ctx context.Context, sinceHeight uint64) ([]EdgeRecord, error)
	CoSpends(ctx context.Context) ([]CoSpend, error)
	FundingSource(ctx context.Context, account data.Account) (data.Account, error)
}

// HistoryStore serves per-account interaction history.
type HistoryStore interface {
	Interactions(ctx context.Context, account data.Account) ([]Interaction, error)
}
