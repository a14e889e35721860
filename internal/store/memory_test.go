package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

func seedWallet(t *testing.T, s *MemoryStore, userID string, balance money.Cents) {
	t.Helper()
	if err := s.CreateWallet(context.Background(), &model.Wallet{
		UserID: userID, Kind: model.WalletReal, Balance: balance,
	}); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
}

func pendingTrade(id, userID string, expires time.Time) *model.Trade {
	return &model.Trade{
		ID:         id,
		UserID:     userID,
		WalletKind: model.WalletReal,
		Symbol:     "BTCUSDT",
		Direction:  model.DirectionAbove,
		Stake:      2000,
		PayoutRate: 8000,
		EntryPrice: 50000000,
		ExpiresAt:  expires,
		Status:     model.StatusPending,
		CreatedAt:  expires.Add(-time.Minute),
	}
}

func TestMemoryStore_WalletLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 10000)

	err := s.CreateWallet(ctx, &model.Wallet{UserID: "u1", Kind: model.WalletReal})
	if !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}

	if _, err := s.GetWallet(ctx, "u1", model.WalletDemo); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}

	w, err := s.GetWallet(ctx, "u1", model.WalletReal)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.Balance != 10000 {
		t.Errorf("expected 10000, got %d", w.Balance)
	}
}

func TestMemoryStore_TxCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 10000)

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockWallet(ctx, "u1", model.WalletReal); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(ctx, "u1", model.WalletReal, -2000)
		if err != nil {
			return err
		}
		if bal != 8000 {
			t.Errorf("expected 8000 inside tx, got %d", bal)
		}
		return tx.InsertTrade(ctx, pendingTrade("t1", "u1", time.Now()))
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	w, _ := s.GetWallet(ctx, "u1", model.WalletReal)
	if w.Balance != 8000 {
		t.Errorf("expected committed balance 8000, got %d", w.Balance)
	}
	if _, err := s.GetTrade(ctx, "t1"); err != nil {
		t.Errorf("expected committed trade, got %v", err)
	}
}

func TestMemoryStore_TxRollback(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 10000)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.AdjustBalance(ctx, "u1", model.WalletReal, -2000); err != nil {
			return err
		}
		if err := tx.InsertTrade(ctx, pendingTrade("t1", "u1", time.Now())); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, &model.Transaction{
			ID: "x1", UserID: "u1", WalletKind: model.WalletReal,
			Kind: model.TxTradeDebit, Amount: -2000, BalanceAfter: 8000,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	w, _ := s.GetWallet(ctx, "u1", model.WalletReal)
	if w.Balance != 10000 {
		t.Errorf("debit must roll back, balance %d", w.Balance)
	}
	if _, err := s.GetTrade(ctx, "t1"); !errors.Is(err, ErrTradeNotFound) {
		t.Errorf("trade must roll back, got %v", err)
	}
	txns, _ := s.ListTransactions(ctx, "u1", model.WalletReal, 0)
	if len(txns) != 0 {
		t.Errorf("transaction record must roll back, got %d", len(txns))
	}
}

func TestMemoryStore_AdjustBalanceNeverNegative(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 100)

	err := s.WithTx(ctx, func(tx Tx) error {
		_, err := tx.AdjustBalance(ctx, "u1", model.WalletReal, -101)
		return err
	})
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}
}

func TestMemoryStore_LockPendingTrade(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedWallet(t, s, "u1", 10000)
	now := time.Now().UTC()

	if err := s.WithTx(ctx, func(tx Tx) error {
		return tx.InsertTrade(ctx, pendingTrade("t1", "u1", now))
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		tr, err := tx.LockPendingTrade(ctx, "t1")
		if err != nil || tr == nil {
			t.Fatalf("expected pending trade, got %v %v", tr, err)
		}
		return tx.FinalizeTrade(ctx, "t1", model.StatusLose, 49000000, -2000, now)
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	err = s.WithTx(ctx, func(tx Tx) error {
		tr, err := tx.LockPendingTrade(ctx, "t1")
		if err != nil {
			return err
		}
		if tr != nil {
			t.Errorf("settled trade must not be lockable as pending")
		}
		tr, err = tx.LockPendingTrade(ctx, "missing")
		if tr != nil || err != nil {
			t.Errorf("missing trade: expected nil, nil; got %v, %v", tr, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := s.GetTrade(ctx, "t1")
	if got.Status != model.StatusLose || got.ProfitLoss == nil || *got.ProfitLoss != -2000 {
		t.Errorf("unexpected settled trade %+v", got)
	}
}

func TestMemoryStore_FinalizeRejectsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedWallet(t, s, "u1", 0)

	_ = s.WithTx(ctx, func(tx Tx) error {
		if err := tx.InsertTrade(ctx, pendingTrade("t1", "u1", now)); err != nil {
			return err
		}
		return tx.FinalizeTrade(ctx, "t1", model.StatusWin, 51000000, 1600, now)
	})

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.FinalizeTrade(ctx, "t1", model.StatusLose, 49000000, -2000, now)
	})
	if err == nil {
		t.Fatal("expected illegal transition error")
	}
	got, _ := s.GetTrade(ctx, "t1")
	if got.Status != model.StatusWin {
		t.Errorf("terminal state must not change, got %s", got.Status)
	}
}

func TestMemoryStore_ListExpiredPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedWallet(t, s, "u1", 0)

	_ = s.WithTx(ctx, func(tx Tx) error {
		_ = tx.InsertTrade(ctx, pendingTrade("late", "u1", now.Add(-time.Second)))
		_ = tx.InsertTrade(ctx, pendingTrade("early", "u1", now.Add(-time.Minute)))
		_ = tx.InsertTrade(ctx, pendingTrade("edge", "u1", now))
		_ = tx.InsertTrade(ctx, pendingTrade("future", "u1", now.Add(time.Minute)))
		_ = tx.InsertTrade(ctx, pendingTrade("done", "u1", now.Add(-time.Hour)))
		return tx.FinalizeTrade(ctx, "done", model.StatusLose, 1, -2000, now)
	})

	page, err := s.ListExpiredPending(ctx, now, PendingExpiry{}, 0)
	if err != nil {
		t.Fatalf("ListExpiredPending: %v", err)
	}
	want := []string{"early", "late", "edge"}
	if len(page) != len(want) {
		t.Fatalf("expected %v, got %v", want, page)
	}
	for i := range want {
		if page[i].ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], page[i].ID)
		}
	}

	page, _ = s.ListExpiredPending(ctx, now, PendingExpiry{}, 2)
	if len(page) != 2 {
		t.Fatalf("limit not applied: %v", page)
	}

	// The last entry of a page is the cursor for the next one.
	rest, _ := s.ListExpiredPending(ctx, now, page[1], 2)
	if len(rest) != 1 || rest[0].ID != "edge" {
		t.Errorf("expected [edge] after cursor, got %v", rest)
	}
}

func TestMemoryStore_ListExpiredPendingSameExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	expiry := now.Add(-time.Minute)
	seedWallet(t, s, "u1", 0)

	_ = s.WithTx(ctx, func(tx Tx) error {
		for _, id := range []string{"c", "a", "b"} {
			_ = tx.InsertTrade(ctx, pendingTrade(id, "u1", expiry))
		}
		return nil
	})

	var seen []string
	var after PendingExpiry
	for {
		page, err := s.ListExpiredPending(ctx, now, after, 1)
		if err != nil {
			t.Fatalf("ListExpiredPending: %v", err)
		}
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].ID)
		after = page[0]
	}
	if strings.Join(seen, ",") != "a,b,c" {
		t.Errorf("expected a,b,c, got %v", seen)
	}
}

func TestMemoryStore_ListTradesNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	seedWallet(t, s, "u1", 0)
	seedWallet(t, s, "u2", 0)

	_ = s.WithTx(ctx, func(tx Tx) error {
		_ = tx.InsertTrade(ctx, pendingTrade("a", "u1", now))
		_ = tx.InsertTrade(ctx, pendingTrade("b", "u2", now))
		return tx.InsertTrade(ctx, pendingTrade("c", "u1", now))
	})

	trades, _ := s.ListTradesByUser(ctx, "u1", 0)
	if len(trades) != 2 || trades[0].ID != "c" || trades[1].ID != "a" {
		t.Errorf("unexpected order: %+v", trades)
	}
}

func TestMemoryStore_PairRegistry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.UpsertPair(ctx, model.Pair{Symbol: "btcusdt", PayoutRate: 8000, Active: true})
	_ = s.UpsertPair(ctx, model.Pair{Symbol: "ETHUSDT", PayoutRate: 8500, Active: false})

	rate, err := s.PayoutRate(ctx, "BTCUSDT")
	if err != nil || rate != 8000 {
		t.Fatalf("expected 8000, got %d %v", rate, err)
	}
	if _, err := s.PayoutRate(ctx, "ETHUSDT"); !errors.Is(err, ErrPairNotFound) {
		t.Errorf("inactive pair: expected ErrPairNotFound, got %v", err)
	}
	if _, err := s.PayoutRate(ctx, "DOGEUSDT"); !errors.Is(err, ErrPairNotFound) {
		t.Errorf("unknown pair: expected ErrPairNotFound, got %v", err)
	}
	pairs, _ := s.ListPairs(ctx)
	if len(pairs) != 2 || pairs[0].Symbol != "BTCUSDT" {
		t.Errorf("unexpected pairs %+v", pairs)
	}
}
