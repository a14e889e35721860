// Package trade places binary-option trades against a live price and settles
// them against the historical price at expiry.
//
// Money never leaves fixed point inside this package: prices arrive as
// decimals from the feed, are converted once, and every comparison and payout
// after that is integer arithmetic.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/options-engine/internal/metrics"
	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
	"github.com/atmx/options-engine/internal/notify"
	"github.com/atmx/options-engine/internal/pricefeed"
	"github.com/atmx/options-engine/internal/store"
)

const (
	DefaultMaxDuration = 24 * time.Hour
	DefaultBatchSize   = 500

	defaultListLimit = 50
	maxListLimit     = 500

	sourceOnDemand = "on_demand"
	sourceSweep    = "sweep"
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	MaxDuration time.Duration
	BatchSize   int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine runs trade placement and settlement. It holds no locks of its own;
// all mutual exclusion comes from row locks in the ledger store.
type Engine struct {
	store    store.Store
	pairs    store.PairRegistry
	prices   pricefeed.Source
	closes   pricefeed.Resolver
	notifier notify.Notifier
	cfg      Config
}

// NewEngine creates a trade engine. Pass nil for notifier if no delivery is
// needed.
func NewEngine(st store.Store, pairs store.PairRegistry, prices pricefeed.Source, closes pricefeed.Resolver, notifier notify.Notifier, cfg Config) *Engine {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		store:    st,
		pairs:    pairs,
		prices:   prices,
		closes:   closes,
		notifier: notifier,
		cfg:      cfg,
	}
}

// PlaceRequest is the JSON body for POST /api/v1/trades.
type PlaceRequest struct {
	UserID          string      `json:"user_id"`
	WalletKind      string      `json:"wallet_kind"`
	Symbol          string      `json:"symbol"`
	Direction       string      `json:"direction"`
	Stake           money.Cents `json:"stake"`
	DurationSeconds int64       `json:"duration_seconds"`
}

// Settlement is the outcome of one settlement call. Credited is what this
// call paid into the wallet; it is zero for losses and for trades some
// earlier call already settled.
type Settlement struct {
	Trade          *model.Trade `json:"trade"`
	Credited       money.Cents  `json:"credited"`
	AlreadySettled bool         `json:"already_settled"`
}

type placement struct {
	userID    string
	kind      model.WalletKind
	symbol    string
	direction model.Direction
	stake     money.Cents
	duration  time.Duration
}

func (e *Engine) validate(req PlaceRequest) (placement, error) {
	var p placement
	p.userID = strings.TrimSpace(req.UserID)
	if p.userID == "" {
		return p, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	kind, err := model.ParseWalletKind(req.WalletKind)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.kind = kind
	sym, err := pricefeed.ParseSymbol(req.Symbol)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.symbol = sym.Symbol
	dir, err := model.ParseDirection(req.Direction)
	if err != nil {
		return p, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	p.direction = dir
	if req.Stake <= 0 {
		return p, fmt.Errorf("%w: stake must be positive", ErrValidation)
	}
	p.stake = req.Stake
	maxSeconds := int64(e.cfg.MaxDuration / time.Second)
	if req.DurationSeconds <= 0 || req.DurationSeconds > maxSeconds {
		return p, fmt.Errorf("%w: duration_seconds must be between 1 and %d", ErrValidation, maxSeconds)
	}
	p.duration = time.Duration(req.DurationSeconds) * time.Second
	return p, nil
}

// PlaceTrade debits the stake and records a PENDING trade at the current
// price. Nothing is written unless every step succeeds.
func (e *Engine) PlaceTrade(ctx context.Context, req PlaceRequest) (*model.Trade, error) {
	t, err := e.placeTrade(ctx, req)
	if err != nil {
		metrics.PlacementRejections.WithLabelValues(string(KindOf(err))).Inc()
		return nil, err
	}

	metrics.TradesPlaced.WithLabelValues(string(t.Direction)).Inc()
	metrics.StakeVolume.WithLabelValues(string(t.WalletKind)).Add(float64(t.Stake))

	slog.Info("trade placed",
		"trade_id", t.ID,
		"user", t.UserID,
		"wallet", t.WalletKind,
		"symbol", t.Symbol,
		"direction", t.Direction,
		"stake", t.Stake.String(),
		"entry_price", t.EntryPrice.String(),
		"expires_at", t.ExpiresAt,
	)
	e.notifier.Notify(ctx, t.UserID, notify.EventTradePlaced, t)
	return t, nil
}

func (e *Engine) placeTrade(ctx context.Context, req PlaceRequest) (*model.Trade, error) {
	p, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	rate, err := e.pairs.PayoutRate(ctx, p.symbol)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, fmt.Errorf("%w: %s: %w", ErrPairUnavailable, p.symbol, err)
		}
		return nil, fmt.Errorf("payout rate %s: %w", p.symbol, err)
	}
	// The winning credit must be representable before any money moves.
	if _, err := maxCredit(p.stake, rate); err != nil {
		return nil, fmt.Errorf("%w: stake %s too large: %v", ErrValidation, p.stake, err)
	}

	raw, err := e.prices.CurrentPrice(ctx, p.symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPriceUnavailable, p.symbol, err)
	}
	entry, err := money.PriceFromDecimal(raw)
	if err != nil || entry <= 0 {
		return nil, fmt.Errorf("%w: %s: unusable price %s", ErrPriceUnavailable, p.symbol, raw)
	}

	now := e.cfg.Now().UTC()
	t := &model.Trade{
		ID:         uuid.New().String(),
		UserID:     p.userID,
		WalletKind: p.kind,
		Symbol:     p.symbol,
		Direction:  p.direction,
		Stake:      p.stake,
		PayoutRate: rate,
		EntryPrice: entry,
		ExpiresAt:  now.Add(p.duration),
		Status:     model.StatusPending,
		CreatedAt:  now,
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, p.userID, p.kind)
		if err != nil {
			return fmt.Errorf("lock wallet %s/%s: %w", p.userID, p.kind, err)
		}
		if w.Balance < p.stake {
			return fmt.Errorf("%w: balance %s, stake %s", ErrInsufficientFunds, w.Balance, p.stake)
		}
		balance, err := tx.AdjustBalance(ctx, p.userID, p.kind, -p.stake)
		if err != nil {
			return fmt.Errorf("debit stake: %w", err)
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return tx.InsertTransaction(ctx, &model.Transaction{
			ID:           uuid.New().String(),
			UserID:       p.userID,
			WalletKind:   p.kind,
			Kind:         model.TxTradeDebit,
			Amount:       -p.stake,
			BalanceAfter: balance,
			Reference:    t.ID,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SettleTrade settles one trade on demand. A trade already settled by an
// earlier or concurrent call is returned unchanged with AlreadySettled set.
func (e *Engine) SettleTrade(ctx context.Context, id string) (*Settlement, error) {
	return e.settle(ctx, id, sourceOnDemand)
}

// SettleExpiredBatch settles every trade that had expired when the call
// started, reading them BatchSize at a time in expiry order. Each trade
// settles in its own transaction. Per-trade failures are logged and skipped,
// and the cursor moves past them so they cannot starve later trades. The
// error is non-nil only when the expired trades cannot be listed; a
// cancelled ctx ends the run early with the results so far.
func (e *Engine) SettleExpiredBatch(ctx context.Context) ([]Settlement, error) {
	now := e.cfg.Now().UTC()
	results := make([]Settlement, 0)
	var after store.PendingExpiry
	for {
		page, err := e.store.ListExpiredPending(ctx, now, after, e.cfg.BatchSize)
		if err != nil {
			if isCancelled(err) {
				slog.Warn("settlement batch interrupted", "settled", len(results))
				return results, nil
			}
			return results, fmt.Errorf("list expired trades: %w", err)
		}

		for _, p := range page {
			s, err := e.settle(ctx, p.ID, sourceSweep)
			if err != nil {
				if isCancelled(err) {
					slog.Warn("settlement batch interrupted", "settled", len(results), "at_trade", p.ID)
					return results, nil
				}
				slog.Error("settlement failed", "trade_id", p.ID, "kind", KindOf(err), "err", err)
				continue
			}
			results = append(results, *s)
		}

		if len(page) < e.cfg.BatchSize {
			return results, nil
		}
		after = page[len(page)-1]
	}
}

func (e *Engine) settle(ctx context.Context, id, source string) (*Settlement, error) {
	start := time.Now()
	s, err := e.settleOnce(ctx, id)
	if err != nil {
		metrics.SettlementErrors.WithLabelValues(string(KindOf(err)), source).Inc()
		return nil, err
	}
	metrics.SettlementLatency.WithLabelValues(source).Observe(time.Since(start).Seconds())

	if s.AlreadySettled {
		metrics.Settlements.WithLabelValues("already_settled", source).Inc()
		return s, nil
	}

	t := s.Trade
	metrics.Settlements.WithLabelValues(strings.ToLower(string(t.Status)), source).Inc()
	slog.Info("trade settled",
		"trade_id", t.ID,
		"user", t.UserID,
		"source", source,
		"status", t.Status,
		"entry_price", t.EntryPrice.String(),
		"close_price", t.ClosePrice.String(),
		"profit_loss", t.ProfitLoss.String(),
		"credited", s.Credited.String(),
	)
	e.notifier.Notify(ctx, t.UserID, notify.EventTradeSettled, s)
	return s, nil
}

func (e *Engine) settleOnce(ctx context.Context, id string) (*Settlement, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("trade %q: %w", id, store.ErrTradeNotFound)
	}

	var result *Settlement
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockPendingTrade(ctx, id)
		if err != nil {
			return fmt.Errorf("lock trade %s: %w", id, err)
		}
		if t == nil {
			return nil
		}

		now := e.cfg.Now().UTC()
		if now.Before(t.ExpiresAt) {
			return fmt.Errorf("%w: trade %s expires at %s", ErrNotExpired, id, t.ExpiresAt.Format(time.RFC3339))
		}

		raw, err := e.closes.PriceAt(ctx, t.Symbol, t.ExpiresAt)
		if err != nil {
			if isCancelled(err) {
				return err
			}
			return fmt.Errorf("%w: %s at %s: %w", ErrPriceResolutionFailed, t.Symbol, t.ExpiresAt.Format(time.RFC3339), err)
		}
		closePrice, err := money.PriceFromDecimal(raw)
		if err != nil || closePrice <= 0 {
			return fmt.Errorf("%w: %s: unusable price %s", ErrPriceResolutionFailed, t.Symbol, raw)
		}

		status := model.StatusLose
		if t.Direction.Wins(t.EntryPrice, closePrice) {
			status = model.StatusWin
		}
		if !model.CanTransition(t.Status, status) {
			return fmt.Errorf("trade %s: illegal transition %s -> %s", id, t.Status, status)
		}

		var profit, credit money.Cents
		switch status {
		case model.StatusWin:
			profit, err = t.Stake.MulRate(t.PayoutRate)
			if err != nil {
				return fmt.Errorf("payout for trade %s: %w", id, err)
			}
			credit, err = t.Stake.Add(profit)
			if err != nil {
				return fmt.Errorf("payout for trade %s: %w", id, err)
			}
		case model.StatusLose:
			profit = -t.Stake
		default:
			panic(fmt.Sprintf("trade: unhandled settlement status %q", status))
		}

		if err := tx.FinalizeTrade(ctx, id, status, closePrice, profit, now); err != nil {
			return fmt.Errorf("finalize trade %s: %w", id, err)
		}

		if credit > 0 {
			if _, err := tx.LockWallet(ctx, t.UserID, t.WalletKind); err != nil {
				return fmt.Errorf("lock wallet %s/%s: %w", t.UserID, t.WalletKind, err)
			}
			balance, err := tx.AdjustBalance(ctx, t.UserID, t.WalletKind, credit)
			if err != nil {
				return fmt.Errorf("credit payout: %w", err)
			}
			if err := tx.InsertTransaction(ctx, &model.Transaction{
				ID:           uuid.New().String(),
				UserID:       t.UserID,
				WalletKind:   t.WalletKind,
				Kind:         model.TxTradeCredit,
				Amount:       credit,
				BalanceAfter: balance,
				Reference:    t.ID,
				CreatedAt:    now,
			}); err != nil {
				return fmt.Errorf("record payout: %w", err)
			}
		}

		t.Status = status
		t.ClosePrice = &closePrice
		t.ProfitLoss = &profit
		t.SettledAt = &now
		result = &Settlement{Trade: t, Credited: credit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	// No pending row: either it never existed or someone else settled it.
	t, err := e.store.GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w", id, err)
	}
	if !t.Status.Terminal() {
		return nil, fmt.Errorf("trade %s is pending but could not be locked", id)
	}
	return &Settlement{Trade: t, AlreadySettled: true}, nil
}

// GetTrade returns a trade by id.
func (e *Engine) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("trade %q: %w", id, store.ErrTradeNotFound)
	}
	t, err := e.store.GetTrade(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("trade %s: %w", id, err)
	}
	return t, nil
}

// ListTrades returns a user's trades, newest first. A non-positive limit
// takes the default; limits above the maximum are capped.
func (e *Engine) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	trades, err := e.store.ListTradesByUser(ctx, userID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trades for %s: %w", userID, err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// maxCredit is what a winning trade pays back: stake + floor(stake × rate).
func maxCredit(stake money.Cents, rate money.Rate) (money.Cents, error) {
	profit, err := stake.MulRate(rate)
	if err != nil {
		return 0, err
	}
	return stake.Add(profit)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}
