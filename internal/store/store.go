// Package store defines the persistence interface for the options engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development). The trading-pair registry additionally has a
// Redis read-through cache.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

var (
	ErrWalletNotFound = errors.New("store: wallet not found")
	ErrWalletExists   = errors.New("store: wallet already exists")
	ErrTradeNotFound  = errors.New("store: trade not found")
	ErrPairNotFound   = errors.New("store: trading pair not found or inactive")

	// ErrNegativeBalance is returned when a balance adjustment would take a
	// wallet below zero. Callers check funds first; this is the backstop.
	ErrNegativeBalance = errors.New("store: balance would become negative")
)

// PendingExpiry identifies a pending trade by its position in expiry order.
// The zero value is a cursor before the first trade.
type PendingExpiry struct {
	ID        string
	ExpiresAt time.Time
}

// IsZero reports whether p is the start-of-list cursor.
func (p PendingExpiry) IsZero() bool {
	return p.ID == "" && p.ExpiresAt.IsZero()
}

// Before reports whether p sorts before q in (expires_at, id) order.
func (p PendingExpiry) Before(q PendingExpiry) bool {
	if p.ExpiresAt.Equal(q.ExpiresAt) {
		return p.ID < q.ID
	}
	return p.ExpiresAt.Before(q.ExpiresAt)
}

// Tx is the set of row-level operations available inside a ledger
// transaction. Every wallet mutation must be preceded by LockWallet on the
// same wallet within the same Tx.
type Tx interface {
	// LockWallet reads a wallet and holds an exclusive lock on its row until
	// the transaction ends.
	LockWallet(ctx context.Context, userID string, kind model.WalletKind) (*model.Wallet, error)

	// AdjustBalance applies a signed delta to a locked wallet and returns the
	// new balance.
	AdjustBalance(ctx context.Context, userID string, kind model.WalletKind, delta money.Cents) (money.Cents, error)

	// InsertTrade records a new trade.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// LockPendingTrade reads a trade and locks its row only if its status is
	// PENDING. It returns (nil, nil) when no pending row matches.
	LockPendingTrade(ctx context.Context, id string) (*model.Trade, error)

	// FinalizeTrade writes the terminal state of a locked pending trade.
	FinalizeTrade(ctx context.Context, id string, status model.TradeStatus, closePrice money.Price, profitLoss money.Cents, settledAt time.Time) error

	// InsertTransaction appends an immutable ledger record.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error
}

// Store is the ledger persistence interface.
type Store interface {
	// WithTx runs fn inside one transaction. The transaction commits if fn
	// returns nil and rolls back otherwise; no partial effect of fn is ever
	// visible after a rollback.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// CreateWallet provisions a wallet.
	CreateWallet(ctx context.Context, wallet *model.Wallet) error

	// GetWallet reads a wallet without locking.
	GetWallet(ctx context.Context, userID string, kind model.WalletKind) (*model.Wallet, error)

	// GetTrade reads a trade without locking.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByUser returns a user's trades, newest first.
	ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// ListExpiredPending returns PENDING trades with expiry at or before now
	// that sort strictly after the cursor, ordered by (expires_at, id). Pass
	// the last entry of one page as the cursor for the next.
	ListExpiredPending(ctx context.Context, now time.Time, after PendingExpiry, limit int) ([]PendingExpiry, error)

	// ListTransactions returns a wallet's ledger records, newest first.
	ListTransactions(ctx context.Context, userID string, kind model.WalletKind, limit int) ([]model.Transaction, error)
}

// PairRegistry answers which symbols are tradable and at what payout rate.
type PairRegistry interface {
	// PayoutRate returns the rate of an active pair or ErrPairNotFound.
	PayoutRate(ctx context.Context, symbol string) (money.Rate, error)
}

// PairStore is a PairRegistry that can also be administered.
type PairStore interface {
	PairRegistry

	// UpsertPair creates or replaces a pair definition.
	UpsertPair(ctx context.Context, pair model.Pair) error

	// ListPairs returns all pairs, active or not.
	ListPairs(ctx context.Context) ([]model.Pair, error)
}
