package main

import (
	"PerpMark/internal/config"
	"PerpMark/internal/observability"
	"PerpMark/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate <up|down|status|markets FILE>")
	fmt.Println("  up            - apply all pending migrations")
	fmt.Println("  down          - roll back the last migration")
	fmt.Println("  status        - list applied and pending migrations")
	fmt.Println("  markets FILE  - upsert the markets in a YAML markets file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PERPMARK_POSTGRES_DSN    - Postgres connection string")
	fmt.Println("  PERPMARK_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg := config.DefaultConfig()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, logger)

	switch os.Args[1] {
	case "up":
		pending, err := migrator.Pending(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		if len(pending) == 0 {
			logger.Info().Msg("nothing to apply")
			return
		}
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Strs("applied", pending).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		states, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, st := range states {
			if st.Applied {
				fmt.Printf("applied  %s  (%s)\n", st.File, st.AppliedAt.Format(time.RFC3339))
			} else {
				fmt.Printf("pending  %s\n", st.File)
			}
		}

	case "markets":
		if len(os.Args) < 3 {
			usage()
			os.Exit(1)
		}
		markets, err := config.LoadMarkets(os.Args[2])
		if err != nil {
			logger.Fatal().Err(err).Msg("load markets file")
		}
		if err := persistence.NewMarketStore(db).UpsertMarkets(ctx, markets); err != nil {
			logger.Fatal().Err(err).Msg("upsert markets")
		}
		logger.Info().Int("markets", len(markets)).Msg("markets upserted")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}
