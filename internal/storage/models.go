package storage

import (
	"time"

	"github.com/JAYSTX/smtxvzla-backend/internal/asset"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusTaken     OrderStatus = "TAKEN"
	StatusCompleted OrderStatus = "COMPLETED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// MovementKind is the closed enumeration of balance movements the log
// records. The sign of each kind on a user's total holdings is fixed, so
// the log can be folded back into balances for audits.
type MovementKind string

const (
	MovementCreateLock      MovementKind = "CREATE_LOCK"
	MovementAcceptLock      MovementKind = "ACCEPT_LOCK"
	MovementReleaseSeller   MovementKind = "RELEASE_SELLER"
	MovementReleaseBuyer    MovementKind = "RELEASE_BUYER"
	MovementCancelUnlock    MovementKind = "CANCEL_UNLOCK"
	MovementTransferSend    MovementKind = "DIRECT_TRANSFER_SEND"
	MovementTransferReceive MovementKind = "DIRECT_TRANSFER_RECEIVE"
)

// TotalSign is the effect of one unit of this movement on the user's
// available+locked total: lock, unlock and accept shuffle funds between
// sub-balances of the same user and net to zero.
func (k MovementKind) TotalSign() int {
	switch k {
	case MovementReleaseBuyer, MovementTransferReceive:
		return 1
	case MovementReleaseSeller, MovementTransferSend:
		return -1
	default:
		return 0
	}
}

// Balance is the (user, asset) escrow row. Rows are created lazily at
// zero and never deleted.
type Balance struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Asset     asset.Asset
	Available decimal.Decimal
	Locked    decimal.Decimal
	UpdatedAt time.Time
}

// Total returns available+locked.
func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

type Order struct {
	ID        uuid.UUID
	MakerID   uuid.UUID
	TakerID   *uuid.UUID
	Side      Side
	Asset     asset.Asset
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LockedParty returns the user whose funds are escrowed for this order:
// the maker of a SELL, the taker of a BUY. For an OPEN BUY order nobody
// holds a lock yet and the second return is false.
func (o Order) LockedParty() (uuid.UUID, bool) {
	if o.Side == SideSell {
		return o.MakerID, true
	}
	if o.TakerID != nil {
		return *o.TakerID, true
	}
	return uuid.Nil, false
}

// Counterparty returns the user on the receiving end of a release.
func (o Order) Counterparty() (uuid.UUID, bool) {
	if o.Side == SideSell {
		if o.TakerID == nil {
			return uuid.Nil, false
		}
		return *o.TakerID, true
	}
	return o.MakerID, true
}

// LogEntry is one immutable row of the transaction log. Entries are
// written in the same database transaction as the balance mutation they
// document and are never updated or deleted.
type LogEntry struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Kind        MovementKind
	Asset       asset.Asset
	Amount      decimal.Decimal
	OrderID     *uuid.UUID
	Description string
	CreatedAt   time.Time
}

// ReconciliationRow is the signed fold of the log for one (user, asset):
// current total holdings must equal the seeded base plus Net.
type ReconciliationRow struct {
	UserID uuid.UUID
	Asset  asset.Asset
	Net    decimal.Decimal
}

// LockDrift reports a (user, asset) whose locked balance disagrees with
// the sum of amounts still held by that user's active orders. A non-empty
// drift set means the escrow invariant has been violated.
type LockDrift struct {
	UserID   uuid.UUID
	Asset    asset.Asset
	Locked   decimal.Decimal
	Expected decimal.Decimal
}
