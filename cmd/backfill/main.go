package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"broker-sync-lab/internal/backfill"
	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/storage/clickhouse"
	pgstore "broker-sync-lab/internal/storage/postgres"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	clickhouseDSN := flag.String("clickhouse-dsn", os.Getenv("CLICKHOUSE_DSN"), "ClickHouse connection string")
	vaultSecret := flag.String("vault-secret", os.Getenv("VAULT_SECRET"), "Token vault secret key")
	tokenMode := flag.String("token-storage-mode", envOr("TOKEN_STORAGE_MODE", "encrypted"), "Token storage mode: encrypted or plain")
	jobID := flag.String("job-id", "", "Resume an existing backfill job")
	sourceKey := flag.String("source-key", "", "Venue source key (tradelocker:{env}:{host}:{server})")
	instrumentID := flag.String("instrument-id", "", "Broker instrument id")
	symbol := flag.String("symbol", "", "Display symbol")
	lookbackDays := flag.Int("lookback-days", 30, "How far back to fetch")
	overlapSeconds := flag.Int("overlap-seconds", 120, "Overlap with already-cached data")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[backfill] ", log.LstdFlags|log.Lshortfile)

	if *postgresDSN == "" || *clickhouseDSN == "" {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required")
	}
	if *jobID == "" && (*sourceKey == "" || *instrumentID == "") {
		logger.Fatal("--source-key and --instrument-id are required when not resuming with --job-id")
	}

	codec, err := vault.NewCodec(vault.StorageMode(*tokenMode), *vaultSecret)
	if err != nil {
		logger.Fatalf("Token vault: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, canceling...", sig)
		cancel()
	}()

	pool, err := pgstore.NewPool(ctx, *postgresDSN)
	if err != nil {
		logger.Fatalf("Connect to postgres: %v", err)
	}
	defer pool.Close()

	conn, err := clickhouse.NewConn(ctx, *clickhouseDSN)
	if err != nil {
		logger.Fatalf("Connect to clickhouse: %v", err)
	}
	defer conn.Close()

	jobs := pgstore.NewBackfillJobStore(pool)

	id := *jobID
	if id == "" {
		id, err = createJob(ctx, jobs, *sourceKey, *instrumentID, *symbol, *lookbackDays, *overlapSeconds)
		if err != nil {
			logger.Fatalf("Create job: %v", err)
		}
		logger.Printf("Created backfill job %s", id)
	}

	runner, err := backfill.NewRunner(backfill.Options{
		API:         tradelocker.NewClient(),
		Jobs:        jobs,
		Bars:        clickhouse.NewBarStore(conn),
		Policies:    pgstore.NewAccountPolicyStore(pool),
		AccountRows: pgstore.NewAccountRowStore(pool),
		Connections: pgstore.NewConnectionStore(pool),
		Codec:       codec,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Create runner: %v", err)
	}

	if err := runner.Run(ctx, id); err != nil {
		logger.Fatalf("Backfill job %s: %v", id, err)
	}

	job, err := jobs.GetByID(ctx, id)
	if err != nil {
		logger.Fatalf("Read job %s: %v", id, err)
	}
	logger.Printf("Job %s finished: status=%s bars=%d", id, job.Status, job.BarsInserted)
}

func createJob(ctx context.Context, jobs storage.BackfillJobStore, sourceKey, instrumentID, symbol string, lookbackDays, overlapSeconds int) (string, error) {
	nowMs := time.Now().UnixMilli()
	job := &domain.BackfillJob{
		ID:             uuid.NewString(),
		SourceKey:      sourceKey,
		InstrumentID:   instrumentID,
		Symbol:         symbol,
		LookbackDays:   lookbackDays,
		OverlapSeconds: overlapSeconds,
		Status:         domain.JobPending,
		CreatedAt:      nowMs,
		UpdatedAt:      nowMs,
	}
	if err := jobs.Insert(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile loads environment variables from .env file if it exists.
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
