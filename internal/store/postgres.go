package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/options-engine/internal/model"
	"github.com/atmx/options-engine/internal/money"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store and PairStore using PostgreSQL as the
// source of truth. Money and prices are stored as BIGINT fixed-point values;
// payout rates as NUMERIC.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn at READ COMMITTED. Serialisation of concurrent writers comes
// from the explicit row locks taken through Tx, not from the isolation level:
// a waiter on a locked row re-reads it after the holder commits.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, kind, balance, updated_at)
		 VALUES ($1, $2, $3, now())`,
		w.UserID, string(w.Kind), int64(w.Balance),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrWalletExists, w.UserID, w.Kind)
	}
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string, kind model.WalletKind) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT user_id, kind, balance, updated_at
		 FROM wallets WHERE user_id = $1 AND kind = $2`, userID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s/%s: %w", userID, kind, err)
	}
	return w, nil
}

const tradeColumns = `id::TEXT, user_id, wallet_kind, symbol, direction, stake, payout_rate,
		entry_price, expires_at, status, close_price, profit_loss, created_at, settled_at`

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, after PendingExpiry, limit int) ([]PendingExpiry, error) {
	var afterAt, afterID interface{}
	if !after.IsZero() {
		afterAt, afterID = after.ExpiresAt, after.ID
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, expires_at FROM trades
		 WHERE status = 'PENDING' AND expires_at <= $1
		   AND ($2::TIMESTAMPTZ IS NULL OR (expires_at, id) > ($2::TIMESTAMPTZ, $3::UUID))
		 ORDER BY expires_at, id LIMIT $4`, now, afterAt, afterID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expired []PendingExpiry
	for rows.Next() {
		var p PendingExpiry
		if err := rows.Scan(&p.ID, &p.ExpiresAt); err != nil {
			return nil, err
		}
		expired = append(expired, p)
	}
	return expired, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, kind model.WalletKind, limit int) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, user_id, wallet_kind, kind, amount, balance_after, reference, created_at
		 FROM transactions
		 WHERE user_id = $1 AND wallet_kind = $2
		 ORDER BY created_at DESC LIMIT $3`, userID, string(kind), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.Transaction
	for rows.Next() {
		var e model.Transaction
		var walletKind, kind string
		var amount, balanceAfter int64
		if err := rows.Scan(&e.ID, &e.UserID, &walletKind, &kind,
			&amount, &balanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.WalletKind = model.WalletKind(walletKind)
		e.Kind = model.TransactionKind(kind)
		e.Amount = money.Cents(amount)
		e.BalanceAfter = money.Cents(balanceAfter)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Pair registry ---

func (s *PostgresStore) PayoutRate(ctx context.Context, symbol string) (money.Rate, error) {
	var rateS string
	err := s.pool.QueryRow(ctx,
		`SELECT payout_rate::TEXT FROM trading_pairs WHERE symbol = $1 AND active`,
		strings.ToUpper(symbol)).Scan(&rateS)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrPairNotFound, symbol)
	}
	if err != nil {
		return 0, fmt.Errorf("get payout rate %s: %w", symbol, err)
	}
	return money.ParseRate(rateS)
}

func (s *PostgresStore) UpsertPair(ctx context.Context, p model.Pair) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trading_pairs (symbol, payout_rate, active)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (symbol) DO UPDATE
		 SET payout_rate = EXCLUDED.payout_rate, active = EXCLUDED.active`,
		strings.ToUpper(p.Symbol), p.PayoutRate.String(), p.Active,
	)
	return err
}

func (s *PostgresStore) ListPairs(ctx context.Context) ([]model.Pair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, payout_rate::TEXT, active FROM trading_pairs ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []model.Pair
	for rows.Next() {
		var p model.Pair
		var rateS string
		if err := rows.Scan(&p.Symbol, &rateS, &p.Active); err != nil {
			return nil, err
		}
		if p.PayoutRate, err = money.ParseRate(rateS); err != nil {
			return nil, fmt.Errorf("pair %s: %w", p.Symbol, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// --- Transactions ---

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockWallet(ctx context.Context, userID string, kind model.WalletKind) (*model.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx,
		`SELECT user_id, kind, balance, updated_at
		 FROM wallets WHERE user_id = $1 AND kind = $2
		 FOR UPDATE`, userID, string(kind)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("lock wallet %s/%s: %w", userID, kind, err)
	}
	return w, nil
}

func (t *postgresTx) AdjustBalance(ctx context.Context, userID string, kind model.WalletKind, delta money.Cents) (money.Cents, error) {
	var balance int64
	err := t.tx.QueryRow(ctx,
		`UPDATE wallets SET balance = balance + $3, updated_at = now()
		 WHERE user_id = $1 AND kind = $2
		 RETURNING balance`, userID, string(kind), int64(delta)).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s/%s", ErrWalletNotFound, userID, kind)
	}
	if isCheckViolation(err) {
		return 0, ErrNegativeBalance
	}
	if err != nil {
		return 0, fmt.Errorf("adjust wallet %s/%s: %w", userID, kind, err)
	}
	return money.Cents(balance), nil
}

func (t *postgresTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, wallet_kind, symbol, direction, stake, payout_rate,
		                     entry_price, expires_at, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tr.ID, tr.UserID, string(tr.WalletKind), tr.Symbol, string(tr.Direction),
		int64(tr.Stake), int64(tr.PayoutRate), int64(tr.EntryPrice),
		tr.ExpiresAt, string(tr.Status), tr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *postgresTx) LockPendingTrade(ctx context.Context, id string) (*model.Trade, error) {
	tr, err := scanTrade(t.tx.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE id = $1 AND status = 'PENDING'
		 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock trade %s: %w", id, err)
	}
	return tr, nil
}

func (t *postgresTx) FinalizeTrade(ctx context.Context, id string, status model.TradeStatus, closePrice money.Price, profitLoss money.Cents, settledAt time.Time) error {
	if !model.CanTransition(model.StatusPending, status) {
		return fmt.Errorf("trade %s: illegal transition to %s", id, status)
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE trades
		 SET status = $2, close_price = $3, profit_loss = $4, settled_at = $5
		 WHERE id = $1 AND status = 'PENDING'`,
		id, string(status), int64(closePrice), int64(profitLoss), settledAt,
	)
	if err != nil {
		return fmt.Errorf("finalize trade %s: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("finalize trade %s: no pending row", id)
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, e *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, user_id, wallet_kind, kind, amount, balance_after, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, string(e.WalletKind), string(e.Kind),
		int64(e.Amount), int64(e.BalanceAfter), e.Reference, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", e.ID, err)
	}
	return nil
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var kind string
	var balance int64
	if err := row.Scan(&w.UserID, &kind, &balance, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Kind = model.WalletKind(kind)
	w.Balance = money.Cents(balance)
	return &w, nil
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var walletKind, direction, status string
	var stake, rate, entry int64
	var closePrice, profitLoss *int64

	if err := row.Scan(&t.ID, &t.UserID, &walletKind, &t.Symbol, &direction,
		&stake, &rate, &entry, &t.ExpiresAt, &status,
		&closePrice, &profitLoss, &t.CreatedAt, &t.SettledAt); err != nil {
		return nil, err
	}

	var err error
	if t.Status, err = model.ParseTradeStatus(status); err != nil {
		return nil, fmt.Errorf("trade %s: %w", t.ID, err)
	}
	if t.Direction, err = model.ParseDirection(direction); err != nil {
		return nil, fmt.Errorf("trade %s: %w", t.ID, err)
	}
	t.WalletKind = model.WalletKind(walletKind)
	t.Stake = money.Cents(stake)
	t.PayoutRate = money.Rate(rate)
	t.EntryPrice = money.Price(entry)
	if closePrice != nil {
		p := money.Price(*closePrice)
		t.ClosePrice = &p
	}
	if profitLoss != nil {
		c := money.Cents(*profitLoss)
		t.ProfitLoss = &c
	}
	return &t, nil
}

func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil // LIMIT NULL means no limit
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
