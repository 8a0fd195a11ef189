// Command migrate applies the snapshot catalog schema migrations.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/quantfold/backcast/internal/catalog"
	"github.com/quantfold/backcast/internal/config"
)

func main() {
	cfgPath := flag.String("config", "config/backcast.yaml", "Path to the configuration file")
	dsnFlag := flag.String("dsn", "", "Catalog DSN (overrides the configuration file)")
	timeout := flag.Duration("timeout", 30*time.Second, "Migration timeout")
	flag.Parse()

	logger := log.New(os.Stdout, "migrate ", log.LstdFlags)

	dsn := strings.TrimSpace(*dsnFlag)
	if dsn == "" {
		cfg, _, err := config.Load(*cfgPath)
		if err != nil {
			logger.Printf("load config: %v", err)
			os.Exit(1)
		}
		dsn = cfg.Catalog.DSN
	}
	if dsn == "" {
		logger.Printf("no catalog DSN configured; nothing to migrate")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := catalog.ApplyMigrations(ctx, dsn, logger); err != nil {
		logger.Printf("migrations failed: %v", err)
		os.Exit(1)
	}
}
