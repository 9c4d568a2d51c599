package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JAYSTX/smtxvzla-backend/internal/asset"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientLocked means a locked sub-balance does not cover a
	// movement the order state says it must. Every lock is written in the
	// same transaction as the order row that justifies it, so this can
	// only be corrupted state, never a user mistake.
	ErrInsufficientLocked = errors.New("insufficient locked funds")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotOpen       = errors.New("order not open")
	ErrOrderNotTaken      = errors.New("order not taken")
	ErrSelfTrade          = errors.New("maker and taker must differ")
	ErrNotAuthorized      = errors.New("not authorized")
	// ErrContention surfaces Postgres serialization and deadlock aborts.
	// Safe to retry at the caller; balance rows are locked in a fixed
	// order so in practice it should not fire.
	ErrContention = errors.New("storage contention")
)

//go:embed schema.sql
var schemaSQL string

// Store owns every balance, order and transaction-log mutation. Each
// exported operation runs as one database transaction: the balance
// deltas, the order transition and the log entries commit together or
// not at all.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// Migrate applies the schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// CreateOrder persists a new OPEN order. A SELL order escrows the maker's
// funds in the same transaction; a BUY order locks nothing until a taker
// accepts it.
func (s *Store) CreateOrder(ctx context.Context, makerID uuid.UUID, side Side, a asset.Asset, amount, price decimal.Decimal) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	order := &Order{
		ID:        uuid.New(),
		MakerID:   makerID,
		Side:      side,
		Asset:     a,
		Amount:    amount,
		Price:     price,
		Status:    StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if side == SideSell {
		bal, err := s.getOrCreateBalanceForUpdate(ctx, tx, makerID, a)
		if err != nil {
			return nil, err
		}
		if err := lockFunds(bal, amount); err != nil {
			return nil, err
		}
		if err := s.writeBalance(ctx, tx, bal, now); err != nil {
			return nil, err
		}
		entry := LogEntry{
			ID:          uuid.New(),
			UserID:      makerID,
			Kind:        MovementCreateLock,
			Asset:       a,
			Amount:      amount,
			OrderID:     &order.ID,
			Description: fmt.Sprintf("funds locked for sell order %s", order.ID),
			CreatedAt:   now,
		}
		if err := s.appendLog(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO orders (id, maker_id, side, asset, amount, price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, order.ID, order.MakerID, order.Side, order.Asset.String(), order.Amount.String(), order.Price.String(), order.Status, now); err != nil {
		return nil, pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	committed = true
	return order, nil
}

// AcceptOrder moves an OPEN order to TAKEN for the given taker. If the
// order is a BUY the taker is the selling side and their funds are
// escrowed here. Concurrent accepts on the same order serialize on the
// row lock; the loser sees TAKEN and fails with ErrOrderNotOpen.
func (s *Store) AcceptOrder(ctx context.Context, takerID, orderID uuid.UUID) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusOpen {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}
	if order.MakerID == takerID {
		return nil, ErrSelfTrade
	}

	now := time.Now().UTC()
	if order.Side == SideBuy {
		bal, err := s.getOrCreateBalanceForUpdate(ctx, tx, takerID, order.Asset)
		if err != nil {
			return nil, err
		}
		if err := lockFunds(bal, order.Amount); err != nil {
			return nil, err
		}
		if err := s.writeBalance(ctx, tx, bal, now); err != nil {
			return nil, err
		}
		entry := LogEntry{
			ID:          uuid.New(),
			UserID:      takerID,
			Kind:        MovementAcceptLock,
			Asset:       order.Asset,
			Amount:      order.Amount,
			OrderID:     &order.ID,
			Description: fmt.Sprintf("funds locked to accept buy order %s", order.ID),
			CreatedAt:   now,
		}
		if err := s.appendLog(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, taker_id = $2, updated_at = $3 WHERE id = $4
	`, StatusTaken, takerID, now, order.ID); err != nil {
		return nil, pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	committed = true

	order.Status = StatusTaken
	order.TakerID = &takerID
	order.UpdatedAt = now
	return order, nil
}

// ReleaseOrder settles a TAKEN order: the locked party's escrow moves to
// the counterparty's available balance and the order completes. Only the
// party whose funds are locked may trigger it.
func (s *Store) ReleaseOrder(ctx context.Context, callerID, orderID uuid.UUID) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != StatusTaken {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotTaken, orderID, order.Status)
	}

	locker, ok := order.LockedParty()
	if !ok {
		return nil, fmt.Errorf("%w: order %s has no locked party", ErrOrderNotTaken, orderID)
	}
	if callerID != locker {
		return nil, fmt.Errorf("%w: only the locked party may release order %s", ErrNotAuthorized, orderID)
	}
	counterparty, ok := order.Counterparty()
	if !ok {
		return nil, fmt.Errorf("%w: order %s has no counterparty", ErrOrderNotTaken, orderID)
	}

	from, to, err := s.getBalancePairForUpdate(ctx, tx, locker, counterparty, order.Asset)
	if err != nil {
		return nil, err
	}
	if from.Locked.LessThan(order.Amount) {
		s.logger.Error("locked balance does not cover release",
			"order_id", order.ID.String(),
			"user_id", locker.String(),
			"asset", order.Asset.String(),
			"locked", from.Locked.String(),
			"amount", order.Amount.String(),
		)
		return nil, fmt.Errorf("%w: order %s", ErrInsufficientLocked, orderID)
	}
	from.Locked = from.Locked.Sub(order.Amount)
	to.Available = to.Available.Add(order.Amount)
	if from.Locked.IsNegative() || to.Available.IsNegative() {
		return nil, fmt.Errorf("%w: order %s", ErrInsufficientLocked, orderID)
	}

	now := time.Now().UTC()
	if err := s.writeBalance(ctx, tx, from, now); err != nil {
		return nil, err
	}
	if err := s.writeBalance(ctx, tx, to, now); err != nil {
		return nil, err
	}

	entries := []LogEntry{
		{
			ID:          uuid.New(),
			UserID:      locker,
			Kind:        MovementReleaseSeller,
			Asset:       order.Asset,
			Amount:      order.Amount,
			OrderID:     &order.ID,
			Description: fmt.Sprintf("release of order %s", order.ID),
			CreatedAt:   now,
		},
		{
			ID:          uuid.New(),
			UserID:      counterparty,
			Kind:        MovementReleaseBuyer,
			Asset:       order.Asset,
			Amount:      order.Amount,
			OrderID:     &order.ID,
			Description: fmt.Sprintf("received from order %s", order.ID),
			CreatedAt:   now,
		},
	}
	if err := s.appendLog(ctx, tx, entries...); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, StatusCompleted, now, order.ID); err != nil {
		return nil, pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	committed = true

	order.Status = StatusCompleted
	order.UpdatedAt = now
	return order, nil
}

// CancelOrder cancels an OPEN or not-yet-released TAKEN order. Maker
// only. Any escrowed funds return to the locked party's available
// balance in the same transaction.
func (s *Store) CancelOrder(ctx context.Context, callerID, orderID uuid.UUID) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := s.getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if callerID != order.MakerID {
		return nil, fmt.Errorf("%w: only the maker may cancel order %s", ErrNotAuthorized, orderID)
	}
	if order.Status != StatusOpen && order.Status != StatusTaken {
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotOpen, orderID, order.Status)
	}

	now := time.Now().UTC()
	if locker, ok := order.LockedParty(); ok {
		bal, err := s.getOrCreateBalanceForUpdate(ctx, tx, locker, order.Asset)
		if err != nil {
			return nil, err
		}
		if bal.Locked.LessThan(order.Amount) {
			s.logger.Error("locked balance does not cover cancel",
				"order_id", order.ID.String(),
				"user_id", locker.String(),
				"asset", order.Asset.String(),
				"locked", bal.Locked.String(),
				"amount", order.Amount.String(),
			)
			return nil, fmt.Errorf("%w: order %s", ErrInsufficientLocked, orderID)
		}
		bal.Locked = bal.Locked.Sub(order.Amount)
		bal.Available = bal.Available.Add(order.Amount)
		if err := s.writeBalance(ctx, tx, bal, now); err != nil {
			return nil, err
		}
		entry := LogEntry{
			ID:          uuid.New(),
			UserID:      locker,
			Kind:        MovementCancelUnlock,
			Asset:       order.Asset,
			Amount:      order.Amount,
			OrderID:     &order.ID,
			Description: fmt.Sprintf("unlock on cancel of order %s", order.ID),
			CreatedAt:   now,
		}
		if err := s.appendLog(ctx, tx, entry); err != nil {
			return nil, err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
	`, StatusCancelled, now, order.ID); err != nil {
		return nil, pgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	committed = true

	order.Status = StatusCancelled
	order.UpdatedAt = now
	return order, nil
}

// Transfer moves available funds directly between two users and writes
// the send/receive log pair.
func (s *Store) Transfer(ctx context.Context, fromID, toID uuid.UUID, a asset.Asset, amount decimal.Decimal) ([]LogEntry, error) {
	// A self-transfer would alias both sides to one balance row and the
	// second write would clobber the first, creating funds.
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot transfer to yourself", ErrSelfTrade)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, pgError(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	from, to, err := s.getBalancePairForUpdate(ctx, tx, fromID, toID, a)
	if err != nil {
		return nil, err
	}
	if from.Available.LessThan(amount) {
		return nil, fmt.Errorf("%w: %s %s available, %s required", ErrInsufficientFunds, from.Available.String(), a, amount.String())
	}
	from.Available = from.Available.Sub(amount)
	to.Available = to.Available.Add(amount)
	if from.Available.IsNegative() {
		return nil, fmt.Errorf("%w: transfer of %s %s", ErrInsufficientFunds, amount.String(), a)
	}

	now := time.Now().UTC()
	if err := s.writeBalance(ctx, tx, from, now); err != nil {
		return nil, err
	}
	if err := s.writeBalance(ctx, tx, to, now); err != nil {
		return nil, err
	}

	entries := []LogEntry{
		{
			ID:          uuid.New(),
			UserID:      fromID,
			Kind:        MovementTransferSend,
			Asset:       a,
			Amount:      amount,
			Description: fmt.Sprintf("sent to %s", toID),
			CreatedAt:   now,
		},
		{
			ID:          uuid.New(),
			UserID:      toID,
			Kind:        MovementTransferReceive,
			Asset:       a,
			Amount:      amount,
			Description: fmt.Sprintf("received from %s", fromID),
			CreatedAt:   now,
		},
	}
	if err := s.appendLog(ctx, tx, entries...); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, pgError(err)
	}
	committed = true
	return entries, nil
}

// GetBalance returns the (user, asset) balance, a zero row if none has
// been created yet.
func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID, a asset.Asset) (Balance, error) {
	var bal Balance
	var availableStr, lockedStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, asset, available::text, locked::text, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
	`, userID, a.String())
	if err := row.Scan(&bal.ID, &bal.UserID, &bal.Asset, &availableStr, &lockedStr, &bal.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{
				UserID:    userID,
				Asset:     a,
				Available: decimal.Zero,
				Locked:    decimal.Zero,
			}, nil
		}
		return Balance{}, pgError(err)
	}
	var err error
	bal.Available, err = decimal.NewFromString(availableStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse available balance: %w", err)
	}
	bal.Locked, err = decimal.NewFromString(lockedStr)
	if err != nil {
		return Balance{}, fmt.Errorf("parse locked balance: %w", err)
	}
	return bal, nil
}

// HistoryFor returns a user's transaction log, newest first. limit <= 0
// means no limit.
func (s *Store) HistoryFor(ctx context.Context, userID uuid.UUID, limit int) ([]LogEntry, error) {
	query := `
		SELECT id, user_id, kind, asset, amount::text, order_id, description, created_at
		FROM transaction_log
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, pgError(rows.Err())
	}
	return entries, nil
}

// EntriesForOrder returns the log entries referencing an order, oldest
// first.
func (s *Store) EntriesForOrder(ctx context.Context, orderID uuid.UUID) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, asset, amount::text, order_id, description, created_at
		FROM transaction_log
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if rows.Err() != nil {
		return nil, pgError(rows.Err())
	}
	return entries, nil
}

// Reconcile folds the transaction log for one (user, asset) into the net
// movement of total holdings. Current available+locked must equal the
// externally seeded base plus this value.
func (s *Store) Reconcile(ctx context.Context, userID uuid.UUID, a asset.Asset) (ReconciliationRow, error) {
	var netStr string
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE
				WHEN kind IN ('RELEASE_BUYER', 'DIRECT_TRANSFER_RECEIVE') THEN amount
				WHEN kind IN ('RELEASE_SELLER', 'DIRECT_TRANSFER_SEND') THEN -amount
				ELSE 0
			END
		), 0)::text
		FROM transaction_log
		WHERE user_id = $1 AND asset = $2
	`, userID, a.String())
	if err := row.Scan(&netStr); err != nil {
		return ReconciliationRow{}, pgError(err)
	}
	net, err := decimal.NewFromString(netStr)
	if err != nil {
		return ReconciliationRow{}, fmt.Errorf("parse reconciliation net: %w", err)
	}
	return ReconciliationRow{UserID: userID, Asset: a, Net: net}, nil
}

// LockedDrift compares every locked balance against the sum of amounts
// held by that user's active orders. Funds are locked only while an order
// holds them, so the two views must agree exactly; any row returned is an
// escrow invariant violation.
func (s *Store) LockedDrift(ctx context.Context) ([]LockDrift, error) {
	rows, err := s.pool.Query(ctx, `
		WITH active_locks AS (
			SELECT
				CASE WHEN side = 'SELL' THEN maker_id ELSE taker_id END AS user_id,
				asset,
				SUM(amount) AS expected
			FROM orders
			WHERE (side = 'SELL' AND status IN ('OPEN', 'TAKEN'))
			   OR (side = 'BUY' AND status = 'TAKEN')
			GROUP BY 1, 2
		)
		SELECT
			COALESCE(b.user_id, l.user_id),
			COALESCE(b.asset, l.asset),
			COALESCE(b.locked, 0)::text,
			COALESCE(l.expected, 0)::text
		FROM balances b
		FULL OUTER JOIN active_locks l
			ON b.user_id = l.user_id AND b.asset = l.asset
		WHERE COALESCE(b.locked, 0) <> COALESCE(l.expected, 0)
	`)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var drift []LockDrift
	for rows.Next() {
		var (
			d                   LockDrift
			lockedStr, expected string
		)
		if err := rows.Scan(&d.UserID, &d.Asset, &lockedStr, &expected); err != nil {
			return nil, err
		}
		if d.Locked, err = decimal.NewFromString(lockedStr); err != nil {
			return nil, fmt.Errorf("parse locked: %w", err)
		}
		if d.Expected, err = decimal.NewFromString(expected); err != nil {
			return nil, fmt.Errorf("parse expected lock: %w", err)
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, maker_id, taker_id, side, asset, amount::text, price::text, status, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

// ListOpenOrders returns the market view of OPEN orders, newest first.
func (s *Store) ListOpenOrders(ctx context.Context) ([]Order, error) {
	return s.queryOrders(ctx, `
		SELECT id, maker_id, taker_id, side, asset, amount::text, price::text, status, created_at, updated_at
		FROM orders
		WHERE status = 'OPEN'
		ORDER BY created_at DESC
	`)
}

// OrdersForUser returns every order the user participates in as maker or
// taker, newest first.
func (s *Store) OrdersForUser(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	return s.queryOrders(ctx, `
		SELECT id, maker_id, taker_id, side, asset, amount::text, price::text, status, created_at, updated_at
		FROM orders
		WHERE maker_id = $1 OR taker_id = $1
		ORDER BY created_at DESC
	`, userID)
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, pgError(rows.Err())
	}
	return orders, nil
}

// lockFunds moves amount from available to locked, failing if available
// does not cover it.
func lockFunds(bal *Balance, amount decimal.Decimal) error {
	if bal.Available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s available, %s required", ErrInsufficientFunds, bal.Available.String(), bal.Asset, amount.String())
	}
	bal.Available = bal.Available.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	if bal.Available.IsNegative() || bal.Locked.IsNegative() {
		return fmt.Errorf("%w: lock of %s %s", ErrInsufficientFunds, amount.String(), bal.Asset)
	}
	return nil
}

func (s *Store) getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*Order, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, maker_id, taker_id, side, asset, amount::text, price::text, status, created_at, updated_at
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

// getBalancePairForUpdate locks two balance rows of the same asset in a
// fixed user-id order so concurrent operations touching the same pair
// cannot deadlock.
func (s *Store) getBalancePairForUpdate(ctx context.Context, tx pgx.Tx, firstID, secondID uuid.UUID, a asset.Asset) (*Balance, *Balance, error) {
	lo, hi := firstID, secondID
	if hi.String() < lo.String() {
		lo, hi = hi, lo
	}
	loBal, err := s.getOrCreateBalanceForUpdate(ctx, tx, lo, a)
	if err != nil {
		return nil, nil, err
	}
	hiBal, err := s.getOrCreateBalanceForUpdate(ctx, tx, hi, a)
	if err != nil {
		return nil, nil, err
	}
	if lo == firstID {
		return loBal, hiBal, nil
	}
	return hiBal, loBal, nil
}

func (s *Store) getOrCreateBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, a asset.Asset) (*Balance, error) {
	bal, err := s.getBalanceForUpdate(ctx, tx, userID, a)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, pgError(err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balances (user_id, asset, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, asset) DO NOTHING
	`, userID, a.String()); err != nil {
		return nil, pgError(err)
	}

	bal, err = s.getBalanceForUpdate(ctx, tx, userID, a)
	if err != nil {
		return nil, pgError(err)
	}
	return bal, nil
}

func (s *Store) getBalanceForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID, a asset.Asset) (*Balance, error) {
	var bal Balance
	var availableStr, lockedStr string
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, asset, available::text, locked::text, updated_at
		FROM balances
		WHERE user_id = $1 AND asset = $2
		FOR UPDATE
	`, userID, a.String())
	if err := row.Scan(&bal.ID, &bal.UserID, &bal.Asset, &availableStr, &lockedStr, &bal.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	bal.Available, err = decimal.NewFromString(availableStr)
	if err != nil {
		return nil, fmt.Errorf("parse available balance: %w", err)
	}
	bal.Locked, err = decimal.NewFromString(lockedStr)
	if err != nil {
		return nil, fmt.Errorf("parse locked balance: %w", err)
	}
	return &bal, nil
}

func (s *Store) writeBalance(ctx context.Context, tx pgx.Tx, bal *Balance, now time.Time) error {
	if bal.Available.IsNegative() || bal.Locked.IsNegative() {
		return fmt.Errorf("%w: user %s asset %s", ErrInsufficientFunds, bal.UserID, bal.Asset)
	}
	bal.UpdatedAt = now
	if _, err := tx.Exec(ctx, `
		UPDATE balances
		SET available = $1, locked = $2, updated_at = $3
		WHERE id = $4
	`, bal.Available.String(), bal.Locked.String(), now, bal.ID); err != nil {
		return pgError(err)
	}
	return nil
}

func (s *Store) appendLog(ctx context.Context, tx pgx.Tx, entries ...LogEntry) error {
	for _, entry := range entries {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transaction_log (id, user_id, kind, asset, amount, order_id, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, entry.ID, entry.UserID, entry.Kind, entry.Asset.String(), entry.Amount.String(), entry.OrderID, entry.Description, entry.CreatedAt); err != nil {
			return pgError(err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var order Order
	var amountStr, priceStr string
	if err := row.Scan(&order.ID, &order.MakerID, &order.TakerID, &order.Side, &order.Asset, &amountStr, &priceStr, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	order.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse order amount: %w", err)
	}
	order.Price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse order price: %w", err)
	}
	return &order, nil
}

func scanLogEntry(row rowScanner) (LogEntry, error) {
	var entry LogEntry
	var amountStr string
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.Kind, &entry.Asset, &amountStr, &entry.OrderID, &entry.Description, &entry.CreatedAt); err != nil {
		return LogEntry{}, pgError(err)
	}
	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return LogEntry{}, fmt.Errorf("parse entry amount: %w", err)
	}
	entry.Amount = amount
	return entry, nil
}

// pgError maps serialization and deadlock aborts to ErrContention so
// callers can retry; everything else passes through.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrContention, pgErr.Code)
		}
	}
	return err
}
