// Package model defines the core domain types shared across the options engine.
// All monetary values are fixed-point integers from package money, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/atmx/options-engine/internal/money"
)

// WalletKind distinguishes the real-money wallet from the practice wallet.
type WalletKind string

const (
	WalletReal WalletKind = "real"
	WalletDemo WalletKind = "demo"
)

// ParseWalletKind validates a wallet kind from request input.
func ParseWalletKind(s string) (WalletKind, error) {
	switch k := WalletKind(s); k {
	case WalletReal, WalletDemo:
		return k, nil
	default:
		return "", fmt.Errorf("unknown wallet kind %q", s)
	}
}

// Direction is the side of a binary option: the price will end above or
// below the entry price.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// ParseDirection validates a direction from request input.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionAbove, DirectionBelow:
		return d, nil
	default:
		return "", fmt.Errorf("unknown direction %q", s)
	}
}

// Wins reports whether a trade in direction d wins given its entry and close
// prices. A tie loses for both directions.
func (d Direction) Wins(entry, close money.Price) bool {
	switch d {
	case DirectionAbove:
		return close > entry
	case DirectionBelow:
		return close < entry
	default:
		panic(fmt.Sprintf("model: unhandled direction %q", string(d)))
	}
}

// TradeStatus is the trade lifecycle: Pending → {Win, Lose}.
// Win and Lose are terminal.
type TradeStatus string

const (
	StatusPending TradeStatus = "PENDING"
	StatusWin     TradeStatus = "WIN"
	StatusLose    TradeStatus = "LOSE"
)

// ParseTradeStatus validates a status read back from storage.
func ParseTradeStatus(s string) (TradeStatus, error) {
	switch st := TradeStatus(s); st {
	case StatusPending, StatusWin, StatusLose:
		return st, nil
	default:
		return "", fmt.Errorf("unknown trade status %q", s)
	}
}

// Terminal reports whether no further transition is possible from s.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusPending:
		return false
	case StatusWin, StatusLose:
		return true
	default:
		panic(fmt.Sprintf("model: unhandled trade status %q", string(s)))
	}
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to TradeStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusWin || to == StatusLose
	case StatusWin, StatusLose:
		return false
	default:
		panic(fmt.Sprintf("model: unhandled trade status %q", string(from)))
	}
}

// Wallet holds a user's balance for one wallet kind.
type Wallet struct {
	UserID    string      `json:"user_id" db:"user_id"`
	Kind      WalletKind  `json:"kind" db:"kind"`
	Balance   money.Cents `json:"balance" db:"balance"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Trade is one placed binary option. ClosePrice, ProfitLoss and SettledAt are
// nil until the trade is settled.
type Trade struct {
	ID         string       `json:"id" db:"id"`
	UserID     string       `json:"user_id" db:"user_id"`
	WalletKind WalletKind   `json:"wallet_kind" db:"wallet_kind"`
	Symbol     string       `json:"symbol" db:"symbol"`
	Direction  Direction    `json:"direction" db:"direction"`
	Stake      money.Cents  `json:"stake" db:"stake"`
	PayoutRate money.Rate   `json:"payout_rate" db:"payout_rate"`
	EntryPrice money.Price  `json:"entry_price" db:"entry_price"`
	ExpiresAt  time.Time    `json:"expires_at" db:"expires_at"`
	Status     TradeStatus  `json:"status" db:"status"`
	ClosePrice *money.Price `json:"close_price" db:"close_price"`
	ProfitLoss *money.Cents `json:"profit_loss" db:"profit_loss"`
	CreatedAt  time.Time    `json:"created_at" db:"created_at"`
	SettledAt  *time.Time   `json:"settled_at" db:"settled_at"`
}

// TransactionKind names the cause of a wallet mutation.
type TransactionKind string

const (
	TxTradeDebit  TransactionKind = "trade_debit"
	TxTradeCredit TransactionKind = "trade_credit"
	TxDeposit     TransactionKind = "deposit"
	TxWithdrawal  TransactionKind = "withdrawal"
)

// Transaction is an immutable ledger record of one wallet mutation.
// Amount is signed: debits are negative.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	WalletKind   WalletKind      `json:"wallet_kind" db:"wallet_kind"`
	Kind         TransactionKind `json:"kind" db:"kind"`
	Amount       money.Cents     `json:"amount" db:"amount"`
	BalanceAfter money.Cents     `json:"balance_after" db:"balance_after"`
	Reference    string          `json:"reference" db:"reference"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Pair is a tradable symbol with its configured payout rate.
type Pair struct {
	Symbol     string     `json:"symbol" db:"symbol"`
	PayoutRate money.Rate `json:"payout_rate" db:"payout_rate"`
	Active     bool       `json:"active" db:"active"`
}
