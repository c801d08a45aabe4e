// migrate applies the embedded PostgreSQL schema without starting the server.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/CedrosPay/tokenpay/internal/config"
	"github.com/CedrosPay/tokenpay/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, databaseURL string

	flagSet := pflag.NewFlagSet("tokenpay-migrate", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML config; storage.postgres_url is used when --database-url is empty")
	flagSet.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	pool := config.PostgresPoolConfig{MaxOpenConns: 2, MaxIdleConns: 1}
	if databaseURL == "" && configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		databaseURL = cfg.Storage.PostgresURL
	}
	if databaseURL == "" {
		return errors.New("no database: pass --database-url, set DATABASE_URL or use --config")
	}

	store, err := storage.NewPostgresStore(databaseURL, pool)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Println("connected, applying migrations")
	if err := store.Migrate(); err != nil {
		return err
	}
	fmt.Println("schema is current")
	return nil
}
