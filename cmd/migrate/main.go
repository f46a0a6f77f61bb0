// Command migrate applies or rolls back the venue schema out of band.
// The service runs Up on boot; this exists for operators who want the
// schema settled before a deploy, or a rollback without starting the
// node.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"PerpVenue/internal/config"
	"PerpVenue/internal/observability"
	"PerpVenue/internal/persistence"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml; empty runs on defaults plus environment")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-config path] <up|down>")
		fmt.Fprintln(os.Stderr, "  up    apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down  roll back the last migration")
		os.Exit(2)
	}

	log := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir)

	switch flag.Arg(0) {
	case "up":
		if err := migrator.Up(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use up or down)\n", flag.Arg(0))
		os.Exit(2)
	}
}
