package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"devchain/internal/device"
	ledgereth "devchain/internal/ledger/ethereum"
	"devchain/internal/repository/postgres"
	"devchain/pkg/config"
	"devchain/pkg/logger"
)

// Walks every mirrored device, compares it against the ledger and
// repairs rows that have drifted. Intended to run from cron.
func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.ValidateCore(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logg := logger.New("device-reconcile")

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ledgerClient, err := ledgereth.Dial(cfg.Ledger, logg)
	if err != nil {
		log.Fatalf("Failed to connect to ledger: %v", err)
	}
	defer ledgerClient.Close()

	deviceRepo := postgres.NewDeviceRepository(db)
	reconciler := device.NewReconciler(ledgerClient, deviceRepo, cfg.Reconciler, logg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	started := time.Now()
	report, err := reconciler.SweepAll(ctx)
	if err != nil {
		log.Fatalf("Sweep failed: %v", err)
	}

	fmt.Println("==========================================")
	fmt.Println("       DEVICE RECONCILIATION REPORT")
	fmt.Println("==========================================")
	fmt.Printf("Run at:    %s\n", started.Format(time.RFC3339))
	fmt.Printf("Duration:  %s\n", time.Since(started).Round(time.Millisecond))
	fmt.Printf("Checked:   %d\n", report.Checked)
	fmt.Printf("Repaired:  %d\n", len(report.Repaired))
	fmt.Printf("Failed:    %d\n", len(report.Failed))
	for _, serial := range report.Repaired {
		fmt.Printf("  repaired %s\n", serial)
	}
	for _, serial := range report.Failed {
		fmt.Printf("  FAILED   %s\n", serial)
	}
	fmt.Println("==========================================")

	if len(report.Failed) > 0 {
		os.Exit(1)
	}
}
