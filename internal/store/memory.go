package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

// MemoryStore implements Store and PairStore with in-memory maps. Used for
// testing and development. Not suitable for production (no persistence).
//
// Transactions hold the store's write lock for their whole duration, which
// serialises them completely. Mutations inside a transaction record an undo
// step so a failed transaction leaves no trace.
type MemoryStore struct {
	mu           sync.RWMutex
	wallets      map[walletKey]*model.Wallet
	trades       map[string]*model.Trade
	tradeOrder   []string
	transactions []model.Transaction
	pairs        map[string]model.Pair
}

type walletKey struct {
	userID string
	kind   model.WalletKind
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[walletKey]*model.Wallet),
		trades:  make(map[string]*model.Trade),
		pairs:   make(map[string]model.Pair),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(tx)
}

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey{w.UserID, w.Kind}
	if _, ok := s.wallets[key]; ok {
		return fmt.Errorf("%w: %s/%s", ErrWalletExists, w.UserID, w.Kind)
	}
	if w.Balance < 0 {
		return ErrNegativeBalance
	}
	// Store a copy to avoid external mutation.
	copy := *w
	if copy.UpdatedAt.IsZero() {
		copy.UpdatedAt = time.Now().UTC()
	}
	s.wallets[key] = &copy
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string, kind model.WalletKind) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[walletKey{userID, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return cloneTrade(t), nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.tradeOrder) - 1; i >= 0; i-- {
		t := s.trades[s.tradeOrder[i]]
		if t.UserID != userID {
			continue
		}
		result = append(result, *cloneTrade(t))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListExpiredPending(_ context.Context, now time.Time, after PendingExpiry, limit int) ([]PendingExpiry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []PendingExpiry
	for _, t := range s.trades {
		if t.Status != model.StatusPending || t.ExpiresAt.After(now) {
			continue
		}
		p := PendingExpiry{ID: t.ID, ExpiresAt: t.ExpiresAt}
		if after.IsZero() || after.Before(p) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].Before(expired[j]) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, kind model.WalletKind, limit int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		e := s.transactions[i]
		if e.UserID != userID || e.WalletKind != kind {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// --- Pair registry ---

func (s *MemoryStore) PayoutRate(_ context.Context, symbol string) (money.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pairs[strings.ToUpper(symbol)]
	if !ok || !p.Active {
		return 0, fmt.Errorf("%w: %s", ErrPairNotFound, symbol)
	}
	return p.PayoutRate, nil
}

func (s *MemoryStore) UpsertPair(_ context.Context, p model.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Symbol == "" {
		return fmt.Errorf("pair symbol is required")
	}
	s.pairs[p.Symbol] = p
	return nil
}

func (s *MemoryStore) ListPairs(_ context.Context) ([]model.Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pairs := make([]model.Pair, 0, len(s.pairs))
	for _, p := range s.pairs {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Symbol < pairs[j].Symbol })
	return pairs, nil
}

// --- Transactions ---

// memoryTx runs with the store's write lock already held.
type memoryTx struct {
	s    *MemoryStore
	undo []func()
}

func (tx *memoryTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memoryTx) LockWallet(_ context.Context, userID string, kind model.WalletKind) (*model.Wallet, error) {
	w, ok := tx.s.wallets[walletKey{userID, kind}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	copy := *w
	return &copy, nil
}

func (tx *memoryTx) AdjustBalance(_ context.Context, userID string, kind model.WalletKind, delta money.Cents) (money.Cents, error) {
	w, ok := tx.s.wallets[walletKey{userID, kind}]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	next, err := w.Balance.Add(delta)
	if err != nil {
		return 0, fmt.Errorf("adjust %s/%s: %w", userID, kind, err)
	}
	if next < 0 {
		return 0, ErrNegativeBalance
	}
	prevBalance, prevUpdated := w.Balance, w.UpdatedAt
	tx.undo = append(tx.undo, func() {
		w.Balance = prevBalance
		w.UpdatedAt = prevUpdated
	})
	w.Balance = next
	w.UpdatedAt = time.Now().UTC()
	return w.Balance, nil
}

func (tx *memoryTx) InsertTrade(_ context.Context, t *model.Trade) error {
	if _, ok := tx.s.trades[t.ID]; ok {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	tx.s.trades[t.ID] = cloneTrade(t)
	tx.s.tradeOrder = append(tx.s.tradeOrder, t.ID)
	tx.undo = append(tx.undo, func() {
		delete(tx.s.trades, t.ID)
		tx.s.tradeOrder = tx.s.tradeOrder[:len(tx.s.tradeOrder)-1]
	})
	return nil
}

func (tx *memoryTx) LockPendingTrade(_ context.Context, id string) (*model.Trade, error) {
	t, ok := tx.s.trades[id]
	if !ok || t.Status != model.StatusPending {
		return nil, nil
	}
	return cloneTrade(t), nil
}

func (tx *memoryTx) FinalizeTrade(_ context.Context, id string, status model.TradeStatus, closePrice money.Price, profitLoss money.Cents, settledAt time.Time) error {
	t, ok := tx.s.trades[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if !model.CanTransition(t.Status, status) {
		return fmt.Errorf("trade %s: illegal transition %s -> %s", id, t.Status, status)
	}
	prev := *t
	tx.undo = append(tx.undo, func() { *t = prev })

	t.Status = status
	t.ClosePrice = &closePrice
	t.ProfitLoss = &profitLoss
	t.SettledAt = &settledAt
	return nil
}

func (tx *memoryTx) InsertTransaction(_ context.Context, e *model.Transaction) error {
	tx.s.transactions = append(tx.s.transactions, *e)
	tx.undo = append(tx.undo, func() {
		tx.s.transactions = tx.s.transactions[:len(tx.s.transactions)-1]
	})
	return nil
}

func cloneTrade(t *model.Trade) *model.Trade {
	c := *t
	if t.ClosePrice != nil {
		v := *t.ClosePrice
		c.ClosePrice = &v
	}
	if t.ProfitLoss != nil {
		v := *t.ProfitLoss
		c.ProfitLoss = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		c.SettledAt = &v
	}
	return &c
}
