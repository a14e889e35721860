// Package wallet manages balances outside of trading: provisioning,
// deposits, withdrawals, demo resets and the transaction history.
//
// Every mutation follows the same discipline as trade placement: lock the
// wallet row, check, apply a signed delta, append a ledger record, all in one
// transaction.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
	"github.com/atmx/options-engine/internal/store"
	"github.com/atmx/options-engine/internal/trade"
)

// DefaultDemoBalance is the practice balance, 10,000.00.
const DefaultDemoBalance money.Cents = 1_000_000

const (
	defaultListLimit = 50
	maxListLimit     = 500

	refDemoReset = "demo_reset"
)

// Service implements wallet operations on the ledger store.
type Service struct {
	store       store.Store
	demoBalance money.Cents
	now         func() time.Time
}

// NewService creates a wallet service. A non-positive demoBalance takes the
// default.
func NewService(st store.Store, demoBalance money.Cents) *Service {
	if demoBalance <= 0 {
		demoBalance = DefaultDemoBalance
	}
	return &Service{store: st, demoBalance: demoBalance, now: time.Now}
}

// Provision creates the user's real wallet (empty) and demo wallet (funded
// with the demo balance). Wallets that already exist are left untouched.
func (s *Service) Provision(ctx context.Context, userID string) ([]model.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", trade.ErrValidation)
	}
	now := s.now().UTC()
	initial := []model.Wallet{
		{UserID: userID, Kind: model.WalletReal, Balance: 0, UpdatedAt: now},
		{UserID: userID, Kind: model.WalletDemo, Balance: s.demoBalance, UpdatedAt: now},
	}
	wallets := make([]model.Wallet, 0, len(initial))
	for i := range initial {
		if err := s.store.CreateWallet(ctx, &initial[i]); err != nil && !errors.Is(err, store.ErrWalletExists) {
			return nil, fmt.Errorf("provision %s/%s: %w", userID, initial[i].Kind, err)
		}
		w, err := s.store.GetWallet(ctx, userID, initial[i].Kind)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	slog.Info("wallets provisioned", "user", userID)
	return wallets, nil
}

// GetWallet returns a wallet's current balance.
func (s *Service) GetWallet(ctx context.Context, userID string, kind model.WalletKind) (*model.Wallet, error) {
	return s.store.GetWallet(ctx, userID, kind)
}

// Deposit credits amount to the wallet.
func (s *Service) Deposit(ctx context.Context, userID string, kind model.WalletKind, amount money.Cents, reference string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", trade.ErrValidation)
	}
	w, err := s.apply(ctx, userID, kind, reference, func(model.Wallet) (model.TransactionKind, money.Cents, error) {
		return model.TxDeposit, amount, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("deposit", "user", userID, "wallet", kind, "amount", amount.String(), "balance", w.Balance.String())
	return w, nil
}

// Withdraw debits amount from the wallet. Only the ledger side is handled
// here; paying the funds out is the gateway's job.
func (s *Service) Withdraw(ctx context.Context, userID string, kind model.WalletKind, amount money.Cents, reference string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", trade.ErrValidation)
	}
	w, err := s.apply(ctx, userID, kind, reference, func(cur model.Wallet) (model.TransactionKind, money.Cents, error) {
		if cur.Balance < amount {
			return "", 0, fmt.Errorf("%w: balance %s, requested %s", trade.ErrInsufficientFunds, cur.Balance, amount)
		}
		return model.TxWithdrawal, -amount, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("withdrawal", "user", userID, "wallet", kind, "amount", amount.String(), "balance", w.Balance.String())
	return w, nil
}

// ResetDemo sets the demo wallet back to the demo balance. The difference is
// recorded as a deposit or withdrawal; a wallet already at the demo balance
// is returned unchanged.
func (s *Service) ResetDemo(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.apply(ctx, userID, model.WalletDemo, refDemoReset, func(cur model.Wallet) (model.TransactionKind, money.Cents, error) {
		delta := s.demoBalance - cur.Balance
		switch {
		case delta > 0:
			return model.TxDeposit, delta, nil
		case delta < 0:
			return model.TxWithdrawal, delta, nil
		default:
			return "", 0, nil
		}
	})
}

// ListTransactions returns the wallet's ledger, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID string, kind model.WalletKind, limit int) ([]model.Transaction, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	txns, err := s.store.ListTransactions(ctx, userID, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions %s/%s: %w", userID, kind, err)
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}

// mutation decides the ledger entry for the locked wallet. A zero delta
// means no change.
type mutation func(current model.Wallet) (model.TransactionKind, money.Cents, error)

func (s *Service) apply(ctx context.Context, userID string, kind model.WalletKind, reference string, decide mutation) (*model.Wallet, error) {
	var result *model.Wallet
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, userID, kind)
		if err != nil {
			return err
		}
		txKind, delta, err := decide(*w)
		if err != nil {
			return err
		}
		if delta == 0 {
			result = w
			return nil
		}
		balance, err := tx.AdjustBalance(ctx, userID, kind, delta)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID:           uuid.New().String(),
			UserID:       userID,
			WalletKind:   kind,
			Kind:         txKind,
			Amount:       delta,
			BalanceAfter: balance,
			Reference:    reference,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		w.Balance = balance
		w.UpdatedAt = now
		result = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
