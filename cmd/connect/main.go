package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"broker-sync-lab/internal/connectflow"
	"broker-sync-lab/internal/domain"
	pgstore "broker-sync-lab/internal/storage/postgres"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

func main() {
	// Load .env file if exists
	loadEnvFile()

	// Parse flags (env vars as defaults)
	postgresDSN := flag.String("postgres-dsn", os.Getenv("POSTGRES_DSN"), "PostgreSQL connection string")
	vaultSecret := flag.String("vault-secret", os.Getenv("VAULT_SECRET"), "Token vault secret key")
	tokenMode := flag.String("token-storage-mode", envOr("TOKEN_STORAGE_MODE", "encrypted"), "Token storage mode: encrypted or plain")
	orgID := flag.String("org-id", envOr("ORG_ID", "platform"), "Organization id owning the connection")
	userID := flag.String("user-id", "", "User id owning the connection (empty for platform scope)")
	environment := flag.String("environment", "demo", "Broker environment: demo or live")
	server := flag.String("server", "", "Broker server name")
	email := flag.String("email", os.Getenv("BROKER_EMAIL"), "Broker account email")
	password := flag.String("password", os.Getenv("BROKER_PASSWORD"), "Broker account password")
	draftID := flag.String("draft-id", "", "Complete an existing draft instead of starting one")
	accountID := flag.String("account-id", "", "Broker account id to promote (with --draft-id)")

	flag.Parse()

	// Setup logger
	logger := log.New(os.Stdout, "[connect] ", log.LstdFlags|log.Lshortfile)

	if *postgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}
	completing := *draftID != ""
	if completing && *accountID == "" {
		logger.Fatal("--account-id is required with --draft-id")
	}
	if !completing && (*server == "" || *email == "" || *password == "") {
		logger.Fatal("--server, --email and --password are required to start a draft")
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

	svc, err := connectflow.NewService(connectflow.Options{
		API:         tradelocker.NewClient(),
		Drafts:      pgstore.NewDraftStore(pool),
		Connections: pgstore.NewConnectionStore(pool),
		AccountRows: pgstore.NewAccountRowStore(pool),
		Codec:       codec,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatalf("Create service: %v", err)
	}

	if completing {
		conn, err := svc.CompleteDraft(ctx, *draftID, *accountID)
		if err != nil {
			logger.Fatalf("Complete draft %s: %v", *draftID, err)
		}
		logger.Printf("Connection %s created (server=%s account=%s)", conn.ID, conn.Server, conn.SelectedAccountID)
		return
	}

	scope := domain.Scope{OrganizationID: *orgID, UserID: *userID}
	draft, err := svc.StartDraft(ctx, scope, domain.Environment(*environment), *server, *email, *password)
	if err != nil {
		logger.Fatalf("Start draft: %v", err)
	}
	logger.Printf("Draft %s created, expires at %d. Pick an account:", draft.ID, draft.ExpiresAt)
	for _, acc := range draft.Accounts {
		logger.Printf("  account-id=%s accNum=%s name=%q currency=%s", acc.AccountID, acc.AccNum, acc.Name, acc.Currency)
	}
	logger.Printf("Run again with --draft-id %s --account-id <id> to finish", draft.ID)
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
