package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/mickamy/notifybox/internal/config"
	"github.com/mickamy/notifybox/internal/database"
	"github.com/mickamy/notifybox/migrations"
)

var (
	command = flag.String("command", "up", "up, down or version")
	steps   = flag.Int("steps", 1, "number of migrations to roll back with -command=down")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	dialect, err := migrations.ParseDialect(cfg.Dialect)
	if err != nil {
		return err
	}
	db, err := database.Open(ctx, dialect, cfg.DSN())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	switch *command {
	case "up":
		applied, err := migrations.Up(db, dialect)
		if err != nil {
			return err
		}
		if !applied {
			log.Println("no change")
			return nil
		}
		log.Println("migrations applied")
	case "down":
		if err := migrations.Down(db, dialect, *steps); err != nil {
			return err
		}
		log.Printf("rolled back %d migration(s)", *steps)
	case "version":
		v, dirty, err := migrations.Version(db, dialect)
		if err != nil {
			return err
		}
		log.Printf("version=%d dirty=%t", v, dirty)
	default:
		return fmt.Errorf("unknown command %q", *command)
	}
	return nil
}
