package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/JAYSTX/smtxvzla-backend/internal/asset"
	"github.com/JAYSTX/smtxvzla-backend/internal/storage"
	"github.com/JAYSTX/smtxvzla-backend/libs/kafka"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidSide rejects order sides outside BUY/SELL.
var ErrInvalidSide = errors.New("side must be BUY or SELL")

// Store is the transactional backend the engine drives. Every method is
// a single atomic unit; the engine never composes partial mutations.
type Store interface {
	CreateOrder(ctx context.Context, makerID uuid.UUID, side storage.Side, a asset.Asset, amount, price decimal.Decimal) (*storage.Order, error)
	AcceptOrder(ctx context.Context, takerID, orderID uuid.UUID) (*storage.Order, error)
	ReleaseOrder(ctx context.Context, callerID, orderID uuid.UUID) (*storage.Order, error)
	CancelOrder(ctx context.Context, callerID, orderID uuid.UUID) (*storage.Order, error)
	Transfer(ctx context.Context, fromID, toID uuid.UUID, a asset.Asset, amount decimal.Decimal) ([]storage.LogEntry, error)
	GetBalance(ctx context.Context, userID uuid.UUID, a asset.Asset) (storage.Balance, error)
	HistoryFor(ctx context.Context, userID uuid.UUID, limit int) ([]storage.LogEntry, error)
	ListOpenOrders(ctx context.Context) ([]storage.Order, error)
	OrdersForUser(ctx context.Context, userID uuid.UUID) ([]storage.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	Reconcile(ctx context.Context, userID uuid.UUID, a asset.Asset) (storage.ReconciliationRow, error)
	LockedDrift(ctx context.Context) ([]storage.LockDrift, error)
}

// Engine is the in-process settlement API consumed by the transport
// layer. It validates inputs, delegates the atomic work to the store and
// publishes events after commit.
type Engine struct {
	store     Store
	logger    *slog.Logger
	metrics   *Metrics
	publisher kafka.Publisher
	topics    Topics
}

func New(store Store, logger *slog.Logger, metrics *Metrics, publisher kafka.Publisher, topics Topics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		logger:    logger,
		metrics:   metrics,
		publisher: publisher,
		topics:    topics,
	}
}

// CreateOrder validates and persists a new order. SELL orders escrow the
// maker's funds; posting an unfunded SELL fails with
// storage.ErrInsufficientFunds and leaves no trace.
func (e *Engine) CreateOrder(ctx context.Context, makerID uuid.UUID, side, assetSymbol, amount, price string) (*storage.Order, error) {
	start := time.Now()
	order, err := e.createOrder(ctx, makerID, side, assetSymbol, amount, price)
	e.metrics.ObserveOperation("create_order", statusLabel(err), time.Since(start))
	return order, err
}

func (e *Engine) createOrder(ctx context.Context, makerID uuid.UUID, side, assetSymbol, amount, price string) (*storage.Order, error) {
	parsedSide, err := parseSide(side)
	if err != nil {
		return nil, err
	}
	a, err := asset.Parse(assetSymbol)
	if err != nil {
		return nil, err
	}
	amountDec, err := asset.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	priceDec, err := asset.ParseAmount(price)
	if err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}

	order, err := e.store.CreateOrder(ctx, makerID, parsedSide, a, amountDec, priceDec)
	if err != nil {
		e.logFailure("create order failed", err, "maker_id", makerID.String(), "asset", a.String())
		return nil, err
	}
	return order, nil
}

// AcceptOrder moves an OPEN order to TAKEN on behalf of the taker.
func (e *Engine) AcceptOrder(ctx context.Context, takerID, orderID uuid.UUID) (*storage.Order, error) {
	start := time.Now()
	order, err := e.store.AcceptOrder(ctx, takerID, orderID)
	e.metrics.ObserveOperation("accept_order", statusLabel(err), time.Since(start))
	if err != nil {
		e.logFailure("accept order failed", err, "taker_id", takerID.String(), "order_id", orderID.String())
		return nil, err
	}
	return order, nil
}

// ReleaseOrder settles a TAKEN order and completes it. Only the party
// holding the lock may call it.
func (e *Engine) ReleaseOrder(ctx context.Context, callerID, orderID uuid.UUID) (*storage.Order, error) {
	start := time.Now()
	order, err := e.store.ReleaseOrder(ctx, callerID, orderID)
	e.metrics.ObserveOperation("release_order", statusLabel(err), time.Since(start))
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientLocked) {
			e.metrics.IncInvariantViolation()
		}
		e.logFailure("release order failed", err, "caller_id", callerID.String(), "order_id", orderID.String())
		return nil, err
	}

	e.publishOrderEvent(ctx, e.topics.OrdersSettled, orderSettledEventType, order)
	return order, nil
}

// CancelOrder cancels an OPEN or TAKEN order, returning any escrowed
// funds to their owner.
func (e *Engine) CancelOrder(ctx context.Context, callerID, orderID uuid.UUID) (*storage.Order, error) {
	start := time.Now()
	order, err := e.store.CancelOrder(ctx, callerID, orderID)
	e.metrics.ObserveOperation("cancel_order", statusLabel(err), time.Since(start))
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientLocked) {
			e.metrics.IncInvariantViolation()
		}
		e.logFailure("cancel order failed", err, "caller_id", callerID.String(), "order_id", orderID.String())
		return nil, err
	}

	e.publishOrderEvent(ctx, e.topics.OrdersCancelled, orderCancelledEventType, order)
	return order, nil
}

// TransferDirect moves available funds between two users outside any
// order.
func (e *Engine) TransferDirect(ctx context.Context, fromID, toID uuid.UUID, assetSymbol, amount string) ([]storage.LogEntry, error) {
	start := time.Now()
	entries, err := e.transferDirect(ctx, fromID, toID, assetSymbol, amount)
	e.metrics.ObserveOperation("transfer_direct", statusLabel(err), time.Since(start))
	return entries, err
}

func (e *Engine) transferDirect(ctx context.Context, fromID, toID uuid.UUID, assetSymbol, amount string) ([]storage.LogEntry, error) {
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot transfer to yourself", storage.ErrSelfTrade)
	}
	a, err := asset.Parse(assetSymbol)
	if err != nil {
		return nil, err
	}
	amountDec, err := asset.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}

	entries, err := e.store.Transfer(ctx, fromID, toID, a, amountDec)
	if err != nil {
		e.logFailure("transfer failed", err, "from_user_id", fromID.String(), "to_user_id", toID.String(), "asset", a.String())
		return nil, err
	}

	e.publishTransferEvent(ctx, fromID, toID, a, amountDec)
	return entries, nil
}

// GetBalance returns the (user, asset) balance, zero if never touched.
func (e *Engine) GetBalance(ctx context.Context, userID uuid.UUID, assetSymbol string) (storage.Balance, error) {
	a, err := asset.Parse(assetSymbol)
	if err != nil {
		return storage.Balance{}, err
	}
	bal, err := e.store.GetBalance(ctx, userID, a)
	if err != nil {
		e.metrics.IncBalanceLookup("error")
		e.logFailure("balance lookup failed", err, "user_id", userID.String(), "asset", a.String())
		return storage.Balance{}, err
	}
	e.metrics.IncBalanceLookup("success")
	return bal, nil
}

// GetHistory returns the user's transaction log, newest first.
func (e *Engine) GetHistory(ctx context.Context, userID uuid.UUID, limit int) ([]storage.LogEntry, error) {
	entries, err := e.store.HistoryFor(ctx, userID, limit)
	if err != nil {
		e.logFailure("history lookup failed", err, "user_id", userID.String())
		return nil, err
	}
	return entries, nil
}

// ListOpenOrders returns the open-order market view.
func (e *Engine) ListOpenOrders(ctx context.Context) ([]storage.Order, error) {
	return e.store.ListOpenOrders(ctx)
}

// OrdersForUser returns every order the user participates in.
func (e *Engine) OrdersForUser(ctx context.Context, userID uuid.UUID) ([]storage.Order, error) {
	return e.store.OrdersForUser(ctx, userID)
}

// GetOrder fetches an order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// Reconcile folds the transaction log for one (user, asset) for audits.
func (e *Engine) Reconcile(ctx context.Context, userID uuid.UUID, assetSymbol string) (storage.ReconciliationRow, error) {
	a, err := asset.Parse(assetSymbol)
	if err != nil {
		return storage.ReconciliationRow{}, err
	}
	return e.store.Reconcile(ctx, userID, a)
}

// VerifyLocks sweeps the whole ledger for locked balances that disagree
// with the active orders holding them. Any drift is a broken escrow
// invariant and is logged at error level.
func (e *Engine) VerifyLocks(ctx context.Context) ([]storage.LockDrift, error) {
	drift, err := e.store.LockedDrift(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		e.metrics.IncInvariantViolation()
		e.logger.Error("locked balance drift",
			"user_id", d.UserID,
			"asset", d.Asset,
			"locked", d.Locked.String(),
			"expected", d.Expected.String(),
		)
	}
	return drift, nil
}

func (e *Engine) publishOrderEvent(ctx context.Context, topic, eventType string, order *storage.Order) {
	if e.publisher == nil || topic == "" {
		return
	}
	envelope, err := kafka.NewEnvelope(eventType, 1, order.ID.String())
	if err != nil {
		e.logger.Error("build event envelope failed", "error", err)
		return
	}
	envelope.EventID = kafka.DeterministicEventID(eventType, order.ID.String(), string(order.Status))

	payload := OrderEventPayload{
		OrderID: order.ID.String(),
		MakerID: order.MakerID.String(),
		Side:    string(order.Side),
		Asset:   order.Asset.String(),
		Amount:  order.Amount.String(),
		Price:   order.Price.String(),
		Status:  string(order.Status),
	}
	if order.TakerID != nil {
		payload.TakerID = order.TakerID.String()
	}

	var event any
	if eventType == orderSettledEventType {
		event = OrderSettledEvent{Envelope: envelope, OrderEventPayload: payload}
	} else {
		event = OrderCancelledEvent{Envelope: envelope, OrderEventPayload: payload}
	}

	if _, _, err := e.publisher.PublishJSON(ctx, topic, order.ID.String(), event); err != nil {
		e.metrics.IncEventPublished(topic, "error")
		e.logger.Error("publish order event failed", "topic", topic, "order_id", order.ID.String(), "error", err)
		return
	}
	e.metrics.IncEventPublished(topic, "success")
}

func (e *Engine) publishTransferEvent(ctx context.Context, fromID, toID uuid.UUID, a asset.Asset, amount decimal.Decimal) {
	topic := e.topics.TransfersExecuted
	if e.publisher == nil || topic == "" {
		return
	}
	envelope, err := kafka.NewEnvelope(transferExecutedEventType, 1, "")
	if err != nil {
		e.logger.Error("build event envelope failed", "error", err)
		return
	}

	event := TransferExecutedEvent{
		Envelope:   envelope,
		FromUserID: fromID.String(),
		ToUserID:   toID.String(),
		Asset:      a.String(),
		Amount:     amount.String(),
	}

	if _, _, err := e.publisher.PublishJSON(ctx, topic, fromID.String(), event); err != nil {
		e.metrics.IncEventPublished(topic, "error")
		e.logger.Error("publish transfer event failed", "topic", topic, "error", err)
		return
	}
	e.metrics.IncEventPublished(topic, "success")
}

func (e *Engine) logFailure(msg string, err error, args ...any) {
	// Expected business rejections stay at warn; anything else is an
	// operational error.
	switch {
	case errors.Is(err, storage.ErrInsufficientLocked), errors.Is(err, storage.ErrContention):
		e.logger.Error(msg, append(args, "error", err)...)
	case isBusinessError(err):
		e.logger.Warn(msg, append(args, "error", err)...)
	default:
		e.logger.Error(msg, append(args, "error", err)...)
	}
}

func isBusinessError(err error) bool {
	return errors.Is(err, storage.ErrInsufficientFunds) ||
		errors.Is(err, storage.ErrOrderNotFound) ||
		errors.Is(err, storage.ErrOrderNotOpen) ||
		errors.Is(err, storage.ErrOrderNotTaken) ||
		errors.Is(err, storage.ErrSelfTrade) ||
		errors.Is(err, storage.ErrNotAuthorized) ||
		errors.Is(err, asset.ErrUnsupportedAsset) ||
		errors.Is(err, asset.ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSide)
}

func parseSide(side string) (storage.Side, error) {
	switch storage.Side(strings.ToUpper(strings.TrimSpace(side))) {
	case storage.SideBuy:
		return storage.SideBuy, nil
	case storage.SideSell:
		return storage.SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
}

func statusLabel(err error) string {
	if err == nil {
		return "success"
	}
	if isBusinessError(err) {
		return "rejected"
	}
	return "error"
}
