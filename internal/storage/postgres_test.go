package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/JAYSTX/smtxvzla-backend/internal/asset"
	"github.com/JAYSTX/smtxvzla-backend/internal/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (context.Context, *pgxpool.Pool, *Store) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	ctx := context.Background()
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
	})

	return ctx, pool, New(pool, nil)
}

func seedBalance(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, a asset.Asset, available string) {
	t.Helper()
	_, err := pool.Exec(ctx, `
		INSERT INTO balances (id, user_id, asset, available, locked)
		VALUES ($1, $2, $3, $4, 0)
	`, uuid.New(), userID, a.String(), available)
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func requireBalance(t *testing.T, ctx context.Context, store *Store, userID uuid.UUID, a asset.Asset, available, locked string) {
	t.Helper()
	bal, err := store.GetBalance(ctx, userID, a)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Available.Equal(dec(t, available)) {
		t.Fatalf("available: expected %s, got %s", available, bal.Available.String())
	}
	if !bal.Locked.Equal(dec(t, locked)) {
		t.Fatalf("locked: expected %s, got %s", locked, bal.Locked.String())
	}
}

func TestSellOrderLifecycle(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	buyer := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1.5"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != StatusOpen {
		t.Fatalf("expected OPEN, got %s", order.Status)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "40")

	order, err = store.AcceptOrder(ctx, buyer, order.ID)
	if err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if order.Status != StatusTaken {
		t.Fatalf("expected TAKEN, got %s", order.Status)
	}
	if order.TakerID == nil || *order.TakerID != buyer {
		t.Fatalf("taker not recorded")
	}
	// a SELL escrows the maker only; accepting moves nothing
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "40")
	requireBalance(t, ctx, store, buyer, asset.SMTX, "0", "0")

	order, err = store.ReleaseOrder(ctx, seller, order.ID)
	if err != nil {
		t.Fatalf("ReleaseOrder: %v", err)
	}
	if order.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", order.Status)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "0")
	requireBalance(t, ctx, store, buyer, asset.SMTX, "40", "0")

	entries, err := store.EntriesForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("EntriesForOrder: %v", err)
	}
	kinds := map[MovementKind]int{}
	for _, e := range entries {
		kinds[e.Kind]++
	}
	if kinds[MovementCreateLock] != 1 || kinds[MovementReleaseSeller] != 1 || kinds[MovementReleaseBuyer] != 1 {
		t.Fatalf("unexpected log kinds: %v", kinds)
	}
}

func TestBuyOrderLocksTakerOnAccept(t *testing.T) {
	ctx, pool, store := setupStore(t)

	maker := uuid.New()
	taker := uuid.New()
	seedBalance(t, ctx, pool, taker, asset.USDT, "50")

	// a BUY order escrows nothing until a seller takes it
	order, err := store.CreateOrder(ctx, maker, SideBuy, asset.USDT, dec(t, "30"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	requireBalance(t, ctx, store, maker, asset.USDT, "0", "0")

	if _, err := store.AcceptOrder(ctx, taker, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	requireBalance(t, ctx, store, taker, asset.USDT, "20", "30")

	// the taker is the locked party; the maker cannot release
	if _, err := store.ReleaseOrder(ctx, maker, order.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if _, err := store.ReleaseOrder(ctx, taker, order.ID); err != nil {
		t.Fatalf("ReleaseOrder: %v", err)
	}
	requireBalance(t, ctx, store, taker, asset.USDT, "20", "0")
	requireBalance(t, ctx, store, maker, asset.USDT, "30", "0")
}

func TestAcceptBuyOrderUnfundedTaker(t *testing.T) {
	ctx, _, store := setupStore(t)

	maker := uuid.New()
	taker := uuid.New()

	order, err := store.CreateOrder(ctx, maker, SideBuy, asset.USDT, dec(t, "30"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := store.AcceptOrder(ctx, taker, order.ID); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// failed accept leaves the order open for someone else
	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusOpen || got.TakerID != nil {
		t.Fatalf("order mutated by failed accept: %+v", got)
	}
}

func TestCreateSellOrderInsufficientFunds(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "10")

	_, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	// the failed attempt must leave no trace anywhere
	requireBalance(t, ctx, store, seller, asset.SMTX, "10", "0")
	orders, err := store.OrdersForUser(ctx, seller)
	if err != nil {
		t.Fatalf("OrdersForUser: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(orders))
	}
	entries, err := store.HistoryFor(ctx, seller, 0)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(entries))
	}
}

func TestAcceptOwnOrderRejected(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := store.AcceptOrder(ctx, seller, order.ID); !errors.Is(err, ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusOpen {
		t.Fatalf("expected order still OPEN, got %s", got.Status)
	}
}

func TestCancelRestoresFunds(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "40")

	order, err = store.CancelOrder(ctx, seller, order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if order.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", order.Status)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "100", "0")

	entries, err := store.EntriesForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("EntriesForOrder: %v", err)
	}
	var unlocks int
	for _, e := range entries {
		if e.Kind == MovementCancelUnlock {
			unlocks++
		}
	}
	if unlocks != 1 {
		t.Fatalf("expected one CANCEL_UNLOCK entry, got %d", unlocks)
	}
}

func TestCancelTakenBuyOrderUnlocksTaker(t *testing.T) {
	ctx, pool, store := setupStore(t)

	maker := uuid.New()
	taker := uuid.New()
	seedBalance(t, ctx, pool, taker, asset.USDC, "80")

	order, err := store.CreateOrder(ctx, maker, SideBuy, asset.USDC, dec(t, "25"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.AcceptOrder(ctx, taker, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	requireBalance(t, ctx, store, taker, asset.USDC, "55", "25")

	// only the maker may cancel, even when the taker holds the lock
	if _, err := store.CancelOrder(ctx, taker, order.ID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	if _, err := store.CancelOrder(ctx, maker, order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	requireBalance(t, ctx, store, taker, asset.USDC, "80", "0")
}

func TestCancelCompletedOrderRejected(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	buyer := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.AcceptOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if _, err := store.ReleaseOrder(ctx, seller, order.ID); err != nil {
		t.Fatalf("ReleaseOrder: %v", err)
	}

	if _, err := store.CancelOrder(ctx, seller, order.ID); !errors.Is(err, ErrOrderNotOpen) {
		t.Fatalf("expected ErrOrderNotOpen, got %v", err)
	}
}

func TestReleaseRequiresTaken(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := store.ReleaseOrder(ctx, seller, order.ID); !errors.Is(err, ErrOrderNotTaken) {
		t.Fatalf("expected ErrOrderNotTaken, got %v", err)
	}
}

func TestReleaseByNonParticipant(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	buyer := uuid.New()
	stranger := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.AcceptOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	for _, caller := range []uuid.UUID{buyer, stranger} {
		if _, err := store.ReleaseOrder(ctx, caller, order.ID); !errors.Is(err, ErrNotAuthorized) {
			t.Fatalf("expected ErrNotAuthorized for %s, got %v", caller, err)
		}
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "40")
}

func TestOrderNotFound(t *testing.T) {
	ctx, _, store := setupStore(t)

	missing := uuid.New()
	if _, err := store.AcceptOrder(ctx, uuid.New(), missing); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("accept: expected ErrOrderNotFound, got %v", err)
	}
	if _, err := store.ReleaseOrder(ctx, uuid.New(), missing); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("release: expected ErrOrderNotFound, got %v", err)
	}
	if _, err := store.CancelOrder(ctx, uuid.New(), missing); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("cancel: expected ErrOrderNotFound, got %v", err)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	const takers = 8
	var wg sync.WaitGroup
	results := make(chan error, takers)
	for i := 0; i < takers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AcceptOrder(ctx, uuid.New(), order.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var wins, rejections int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrOrderNotOpen), errors.Is(err, ErrContention):
			rejections++
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (rejections %d)", wins, rejections)
	}
}

func TestTransferDirect(t *testing.T) {
	ctx, pool, store := setupStore(t)

	from := uuid.New()
	to := uuid.New()
	seedBalance(t, ctx, pool, from, asset.USDT, "100")

	entries, err := store.Transfer(ctx, from, to, asset.USDT, dec(t, "35"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	requireBalance(t, ctx, store, from, asset.USDT, "65", "0")
	requireBalance(t, ctx, store, to, asset.USDT, "35", "0")

	if _, err := store.Transfer(ctx, from, to, asset.USDT, dec(t, "1000")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	requireBalance(t, ctx, store, from, asset.USDT, "65", "0")
	requireBalance(t, ctx, store, to, asset.USDT, "35", "0")
}

func TestTransferToSelfRejected(t *testing.T) {
	ctx, pool, store := setupStore(t)

	userID := uuid.New()
	seedBalance(t, ctx, pool, userID, asset.USDT, "100")

	// both sides would alias one row; the second write would win and
	// credit the amount from nothing
	if _, err := store.Transfer(ctx, userID, userID, asset.USDT, dec(t, "10")); !errors.Is(err, ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
	requireBalance(t, ctx, store, userID, asset.USDT, "100", "0")

	entries, err := store.HistoryFor(ctx, userID, 0)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty log, got %d entries", len(entries))
	}
}

func TestTransferLockedFundsUnavailable(t *testing.T) {
	ctx, pool, store := setupStore(t)

	from := uuid.New()
	to := uuid.New()
	seedBalance(t, ctx, pool, from, asset.SMTX, "100")

	if _, err := store.CreateOrder(ctx, from, SideSell, asset.SMTX, dec(t, "80"), dec(t, "1")); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 80 is escrowed; only 20 is spendable
	if _, err := store.Transfer(ctx, from, to, asset.SMTX, dec(t, "50")); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := store.Transfer(ctx, from, to, asset.SMTX, dec(t, "20")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	requireBalance(t, ctx, store, from, asset.SMTX, "0", "80")
}

func TestHistoryNewestFirstAndLimit(t *testing.T) {
	ctx, pool, store := setupStore(t)

	from := uuid.New()
	to := uuid.New()
	seedBalance(t, ctx, pool, from, asset.USDT, "100")

	for _, amount := range []string{"1", "2", "3"} {
		if _, err := store.Transfer(ctx, from, to, asset.USDT, dec(t, amount)); err != nil {
			t.Fatalf("Transfer %s: %v", amount, err)
		}
	}

	entries, err := store.HistoryFor(ctx, from, 0)
	if err != nil {
		t.Fatalf("HistoryFor: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if !entries[0].Amount.Equal(dec(t, "3")) {
		t.Fatalf("expected newest entry first, got amount %s", entries[0].Amount.String())
	}

	limited, err := store.HistoryFor(ctx, from, 2)
	if err != nil {
		t.Fatalf("HistoryFor limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(limited))
	}
}

func TestReconcileMatchesBalances(t *testing.T) {
	ctx, pool, store := setupStore(t)

	alice := uuid.New()
	bob := uuid.New()
	seedBalance(t, ctx, pool, alice, asset.SMTX, "100")
	seedBalance(t, ctx, pool, bob, asset.SMTX, "100")

	// seeded bases
	base := map[uuid.UUID]decimal.Decimal{
		alice: dec(t, "100"),
		bob:   dec(t, "100"),
	}

	order, err := store.CreateOrder(ctx, alice, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.AcceptOrder(ctx, bob, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if _, err := store.ReleaseOrder(ctx, alice, order.ID); err != nil {
		t.Fatalf("ReleaseOrder: %v", err)
	}
	if _, err := store.Transfer(ctx, bob, alice, asset.SMTX, dec(t, "15")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	total := decimal.Zero
	for _, userID := range []uuid.UUID{alice, bob} {
		row, err := store.Reconcile(ctx, userID, asset.SMTX)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		bal, err := store.GetBalance(ctx, userID, asset.SMTX)
		if err != nil {
			t.Fatalf("GetBalance: %v", err)
		}
		expected := base[userID].Add(row.Net)
		if !bal.Total().Equal(expected) {
			t.Fatalf("user %s: total %s, base+net %s", userID, bal.Total().String(), expected.String())
		}
		total = total.Add(bal.Total())
	}
	// settlement and transfers conserve the asset
	if !total.Equal(dec(t, "200")) {
		t.Fatalf("expected conserved total 200, got %s", total.String())
	}
}

func TestLockedDriftCleanLedger(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")
	if _, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1")); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	drift, err := store.LockedDrift(ctx)
	if err != nil {
		t.Fatalf("LockedDrift: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("expected no drift, got %+v", drift)
	}
}

func TestLockedDriftDetectsCorruption(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")
	if _, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1")); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// damage the ledger behind the store's back
	if _, err := pool.Exec(ctx, `UPDATE balances SET locked = 10 WHERE user_id = $1`, seller); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	drift, err := store.LockedDrift(ctx)
	if err != nil {
		t.Fatalf("LockedDrift: %v", err)
	}
	if len(drift) != 1 {
		t.Fatalf("expected one drift row, got %d", len(drift))
	}
	if !drift[0].Locked.Equal(dec(t, "10")) || !drift[0].Expected.Equal(dec(t, "40")) {
		t.Fatalf("unexpected drift row: %+v", drift[0])
	}
}

func TestReleaseInsufficientLocked(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	buyer := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := store.AcceptOrder(ctx, buyer, order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	// shrink the escrow behind the store's back; release must now fail
	// as corrupted state, not partially settle
	if _, err := pool.Exec(ctx, `UPDATE balances SET locked = 10 WHERE user_id = $1`, seller); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	if _, err := store.ReleaseOrder(ctx, seller, order.ID); !errors.Is(err, ErrInsufficientLocked) {
		t.Fatalf("expected ErrInsufficientLocked, got %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusTaken {
		t.Fatalf("failed release must not move the order, got %s", got.Status)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "10")
	requireBalance(t, ctx, store, buyer, asset.SMTX, "0", "0")

	entries, err := store.EntriesForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("EntriesForOrder: %v", err)
	}
	for _, e := range entries {
		if e.Kind == MovementReleaseSeller || e.Kind == MovementReleaseBuyer {
			t.Fatalf("failed release must write no settlement entries, found %s", e.Kind)
		}
	}
}

func TestCancelInsufficientLocked(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	order, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "40"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := pool.Exec(ctx, `UPDATE balances SET locked = 10 WHERE user_id = $1`, seller); err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}

	if _, err := store.CancelOrder(ctx, seller, order.ID); !errors.Is(err, ErrInsufficientLocked) {
		t.Fatalf("expected ErrInsufficientLocked, got %v", err)
	}

	got, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusOpen {
		t.Fatalf("failed cancel must not move the order, got %s", got.Status)
	}
	requireBalance(t, ctx, store, seller, asset.SMTX, "60", "10")
}

func TestGetBalanceUnknownUser(t *testing.T) {
	ctx, _, store := setupStore(t)

	bal, err := store.GetBalance(ctx, uuid.New(), asset.USDC)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Available.IsZero() || !bal.Locked.IsZero() {
		t.Fatalf("expected zero balance, got %+v", bal)
	}
}

func TestListOpenOrders(t *testing.T) {
	ctx, pool, store := setupStore(t)

	seller := uuid.New()
	buyer := uuid.New()
	seedBalance(t, ctx, pool, seller, asset.SMTX, "100")

	first, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "10"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	second, err := store.CreateOrder(ctx, seller, SideSell, asset.SMTX, dec(t, "20"), dec(t, "1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if _, err := store.AcceptOrder(ctx, buyer, first.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	open, err := store.ListOpenOrders(ctx)
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("expected only the second order open, got %+v", open)
	}

	mine, err := store.OrdersForUser(ctx, seller)
	if err != nil {
		t.Fatalf("OrdersForUser: %v", err)
	}
	if len(mine) != 2 {
		t.Fatalf("expected 2 orders for seller, got %d", len(mine))
	}
}
