package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"

	"broker-sync-lab/internal/observability"
	"broker-sync-lab/internal/pricepool"
	"broker-sync-lab/internal/scheduler"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/storage/clickhouse"
	"broker-sync-lab/internal/storage/memory"
	"broker-sync-lab/internal/storage/migrations"
	pgstore "broker-sync-lab/internal/storage/postgres"
	"broker-sync-lab/internal/syncer"
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
	syncInterval := flag.Duration("sync-interval", 30*time.Second, "Connection scheduler tick interval")
	poolInterval := flag.Duration("pool-interval", 60*time.Second, "Price pool tick interval")
	poolLimit := flag.Int("pool-limit", 0, "Max sync rules per pool tick (0 = default)")
	migrate := flag.Bool("migrate", false, "Apply migrations on startup")
	useMemory := flag.Bool("use-memory", false, "Use in-memory storage instead of PostgreSQL/ClickHouse")
	metricsAddr := flag.String("metrics-addr", ":9090", "Prometheus metrics HTTP address (empty to disable)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[syncd] ", log.LstdFlags|log.Lshortfile)

	if !*useMemory && (*postgresDSN == "" || *clickhouseDSN == "") {
		logger.Fatal("--postgres-dsn and --clickhouse-dsn are required (use --use-memory for in-memory storage)")
	}

	codec, err := vault.NewCodec(vault.StorageMode(*tokenMode), *vaultSecret)
	if err != nil {
		logger.Fatalf("Token vault: %v", err)
	}

	// Start metrics server if enabled
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("ok"))
			})
			logger.Printf("Starting metrics server on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && err != http.ErrServerClosed {
				logger.Printf("Metrics server error: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	if err := run(ctx, logger, codec, *postgresDSN, *clickhouseDSN, *syncInterval, *poolInterval, *poolLimit, *migrate, *useMemory); err != nil && err != context.Canceled {
		logger.Fatalf("Error: %v", err)
	}

	close(done)
	logger.Println("Shutdown complete")
}

// stores bundles every store the daemon wires.
type stores struct {
	connections   storage.ConnectionStore
	orders        storage.OrderStore
	ordersHistory storage.OrderHistoryStore
	positions     storage.PositionStore
	executions    storage.ExecutionStore
	accountStates storage.AccountStateStore
	realizations  storage.RealizationStore
	ideas         storage.TradeIdeaStore
	rules         storage.SyncRuleStore
	policies      storage.AccountPolicyStore
	accountRows   storage.AccountRowStore
	bars          storage.BarStore
}

func run(ctx context.Context, logger *log.Logger, codec *vault.Codec, postgresDSN, clickhouseDSN string, syncInterval, poolInterval time.Duration, poolLimit int, migrate, useMemory bool) error {
	st, closeStores, err := buildStores(ctx, logger, postgresDSN, clickhouseDSN, migrate, useMemory)
	if err != nil {
		return err
	}
	defer closeStores()

	metrics := observability.NewMetrics("")
	api := tradelocker.NewClient()

	engine, err := syncer.NewEngine(syncer.Options{
		API:           api,
		Connections:   st.connections,
		Orders:        st.orders,
		OrdersHistory: st.ordersHistory,
		Positions:     st.positions,
		Executions:    st.executions,
		AccountStates: st.accountStates,
		Realizations:  st.realizations,
		Ideas:         st.ideas,
		Codec:         codec,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("create sync engine: %w", err)
	}

	sched, err := scheduler.NewScheduler(scheduler.Options{
		Engine:      engine,
		Connections: st.connections,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	pool, err := pricepool.NewPool(pricepool.Options{
		API:         api,
		Rules:       st.rules,
		Policies:    st.policies,
		AccountRows: st.accountRows,
		Connections: st.connections,
		Bars:        st.bars,
		Codec:       codec,
		Limit:       poolLimit,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return fmt.Errorf("create price pool: %w", err)
	}

	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()

	_, err = cron.Every(syncInterval).Do(func() {
		result, err := sched.Tick(ctx)
		if err != nil {
			logger.Printf("Scheduler tick failed: %v", err)
			return
		}
		if result.Due > 0 {
			logger.Printf("Scheduler tick: due=%d claimed=%d ok=%d failed=%d",
				result.Due, len(result.Claimed), len(result.Succeeded), len(result.Failed))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sync job: %w", err)
	}

	_, err = cron.Every(poolInterval).Do(func() {
		result, err := pool.Tick(ctx)
		if err != nil {
			logger.Printf("Pool tick failed: %v", err)
			return
		}
		if result.Due > 0 {
			logger.Printf("Pool tick: due=%d ok=%d failed=%d bars=%d",
				result.Due, result.Succeeded, result.Failed, result.BarsInserted)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule pool job: %w", err)
	}

	logger.Printf("Starting syncd: sync every %s, pool every %s", syncInterval, poolInterval)
	cron.StartAsync()

	<-ctx.Done()
	cron.Stop()
	return ctx.Err()
}

func buildStores(ctx context.Context, logger *log.Logger, postgresDSN, clickhouseDSN string, migrate, useMemory bool) (*stores, func(), error) {
	if useMemory {
		return &stores{
			connections:   memory.NewConnectionStore(),
			orders:        memory.NewOrderStore(),
			ordersHistory: memory.NewOrderHistoryStore(),
			positions:     memory.NewPositionStore(),
			executions:    memory.NewExecutionStore(),
			accountStates: memory.NewAccountStateStore(),
			realizations:  memory.NewRealizationStore(),
			ideas:         memory.NewTradeIdeaStore(),
			rules:         memory.NewSyncRuleStore(),
			policies:      memory.NewAccountPolicyStore(),
			accountRows:   memory.NewAccountRowStore(),
			bars:          memory.NewBarStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, postgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if migrate {
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Println("Applied postgres migrations")
	}

	var conn *clickhouse.Conn
	if migrate {
		conn, err = migrations.RunClickhouseMigrations(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		logger.Println("Applied clickhouse migrations")
	} else {
		conn, err = clickhouse.NewConn(ctx, clickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
	}

	cleanup := func() {
		conn.Close()
		pool.Close()
	}

	return &stores{
		connections:   pgstore.NewConnectionStore(pool),
		orders:        pgstore.NewOrderStore(pool),
		ordersHistory: pgstore.NewOrderHistoryStore(pool),
		positions:     pgstore.NewPositionStore(pool),
		executions:    pgstore.NewExecutionStore(pool),
		accountStates: pgstore.NewAccountStateStore(pool),
		realizations:  pgstore.NewRealizationStore(pool),
		ideas:         pgstore.NewTradeIdeaStore(pool),
		rules:         pgstore.NewSyncRuleStore(pool),
		policies:      pgstore.NewAccountPolicyStore(pool),
		accountRows:   pgstore.NewAccountRowStore(pool),
		bars:          clickhouse.NewBarStore(conn),
	}, cleanup, nil
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
		return // File doesn't exist, use system env vars
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

		// Don't override existing env vars
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
