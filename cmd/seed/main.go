package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/JAYSTX/smtxvzla-backend/internal/asset"
	"github.com/JAYSTX/smtxvzla-backend/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var demoUsers = []struct {
	id   uuid.UUID
	name string
}{
	{uuid.MustParse("00000000-0000-0000-0000-000000000001"), "alice"},
	{uuid.MustParse("00000000-0000-0000-0000-000000000002"), "bob"},
	{uuid.MustParse("00000000-0000-0000-0000-000000000003"), "carol"},
}

var demoFunding = map[asset.Asset]string{
	asset.USDT: "10000",
	asset.USDC: "10000",
	asset.SMTX: "5000",
}

func main() {
	env := getEnv("SMTX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: SMTX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	db := getEnv("POSTGRES_DB", "smtx_core")
	user := getEnv("POSTGRES_USER", "smtx")
	password := getEnv("POSTGRES_PASSWORD", "smtx")
	sslmode := getEnv("POSTGRES_SSLMODE", "disable")

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, db, sslmode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	fmt.Println("✓ Schema applied")

	if err := seedBalances(ctx, pool); err != nil {
		log.Fatalf("seed balances: %v", err)
	}
	fmt.Println("✓ Balances seeded")

	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo Users:")
	for _, u := range demoUsers {
		fmt.Printf("  %s: %s\n", u.name, u.id)
	}
}

// seedBalances funds every demo user with each supported asset. Seeding
// happens outside the transaction log: the funded amounts are the base
// that reconciliation folds the log on top of.
func seedBalances(ctx context.Context, pool *pgxpool.Pool) error {
	for _, u := range demoUsers {
		for _, a := range asset.All() {
			funding, ok := demoFunding[a]
			if !ok {
				continue
			}
			amount := asset.MustAmount(funding)
			_, err := pool.Exec(ctx, `
				INSERT INTO balances (id, user_id, asset, available, locked)
				VALUES ($1, $2, $3, $4, 0)
				ON CONFLICT (user_id, asset) DO UPDATE
				SET available = EXCLUDED.available,
				    locked = 0,
				    updated_at = now()
			`, uuid.New(), u.id, a.String(), amount.String())
			if err != nil {
				return fmt.Errorf("fund %s with %s: %w", u.name, a, err)
			}
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
