package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/Strob0t/TeamForge/internal/adapter/postgres"
	"github.com/Strob0t/TeamForge/internal/config"
)

// runMigrate applies, rolls back or reports schema migrations.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: teamforge migrate [up|down N|version]\n")
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	dsn := cfg.Postgres.DSN

	cmd := "up"
	if fs.NArg() > 0 {
		cmd = fs.Arg(0)
	}
	switch cmd {
	case "up":
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return err
		}
	case "down":
		n := 1
		if fs.NArg() > 1 {
			n, err = strconv.Atoi(fs.Arg(1))
			if err != nil || n < 1 {
				return fmt.Errorf("invalid rollback count %q", fs.Arg(1))
			}
		}
		if err := postgres.RollbackMigrations(ctx, dsn, n); err != nil {
			return err
		}
	case "version":
	default:
		fs.Usage()
		return fmt.Errorf("unknown migrate command: %s", cmd)
	}

	v, err := postgres.MigrationVersion(ctx, dsn)
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
