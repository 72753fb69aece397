// Package connectflow implements the two-step account linking flow:
// authenticate and stash candidate accounts on a short-lived draft,
// then let the user pick one to promote into a connection.
package connectflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

// DraftTTL is how long a draft stays completable.
const DraftTTL = 10 * time.Minute

// BrokerAPI is the slice of the gateway client the flow needs.
type BrokerAPI interface {
	Authenticate(ctx context.Context, baseURL, email, password, server string) (*tradelocker.TokenPair, error)
	AllAccounts(ctx context.Context, baseURL, accessToken string) ([]tradelocker.Account, error)
	Config(ctx context.Context, baseURL, accessToken, accNum string) (*tradelocker.ColumnSchema, error)
}

var _ BrokerAPI = (*tradelocker.Client)(nil)

// Options configures a Service.
type Options struct {
	API         BrokerAPI
	Drafts      storage.DraftStore
	Connections storage.ConnectionStore
	AccountRows storage.AccountRowStore
	Codec       *vault.Codec
	Logger      *log.Logger
	Now         func() time.Time
}

// Service runs the connect flow.
type Service struct {
	api         BrokerAPI
	drafts      storage.DraftStore
	connections storage.ConnectionStore
	accountRows storage.AccountRowStore
	codec       *vault.Codec
	logger      *log.Logger
	now         func() time.Time
}

// NewService validates opts and builds a Service.
func NewService(opts Options) (*Service, error) {
	if opts.API == nil {
		return nil, errors.New("connectflow: API is required")
	}
	if opts.Drafts == nil || opts.Connections == nil || opts.AccountRows == nil {
		return nil, errors.New("connectflow: all stores are required")
	}
	if opts.Codec == nil {
		return nil, errors.New("connectflow: Codec is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		api:         opts.API,
		drafts:      opts.Drafts,
		connections: opts.Connections,
		accountRows: opts.AccountRows,
		codec:       opts.Codec,
		logger:      opts.Logger,
		now:         opts.Now,
	}, nil
}

// StartDraft authenticates the credentials, seals the issued tokens
// and stores the candidate account list on a draft that expires in
// DraftTTL. Credentials are never persisted.
func (s *Service) StartDraft(ctx context.Context, scope domain.Scope, env domain.Environment, server, email, password string) (*domain.ConnectDraft, error) {
	baseURL := tradelocker.BaseURL(string(env), "")
	pair, err := s.api.Authenticate(ctx, baseURL, email, password, server)
	if err != nil {
		return nil, fmt.Errorf("authenticate against %s: %w", server, err)
	}

	// The token may pin a tenant-specific gateway host; every later
	// call must go there.
	jwtHost, err := tradelocker.ExtractJWTHost(pair.AccessToken)
	if err != nil {
		jwtHost = ""
	}
	baseURL = tradelocker.BaseURL(string(env), jwtHost)

	accounts, err := s.api.AllAccounts(ctx, baseURL, pair.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts on %s for this login: %w", server, storage.ErrNotFound)
	}

	accessEnc, err := s.codec.Seal(pair.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("seal access token: %w", err)
	}
	refreshEnc, err := s.codec.Seal(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("seal refresh token: %w", err)
	}

	nowMs := s.now().UnixMilli()
	draft := &domain.ConnectDraft{
		ID:                   uuid.NewString(),
		Scope:                scope,
		Environment:          env,
		Server:               server,
		JWTHost:              jwtHost,
		AccessTokenEnc:       accessEnc,
		RefreshTokenEnc:      refreshEnc,
		AccessTokenExpiresAt: pair.AccessExpiresAt,
		RefreshTokenExpires:  pair.RefreshExpiresAt,
		ExpiresAt:            nowMs + DraftTTL.Milliseconds(),
		CreatedAt:            nowMs,
	}
	for _, a := range accounts {
		draft.Accounts = append(draft.Accounts, domain.DraftAccount{
			AccountID: a.ID,
			AccNum:    a.AccNum,
			Name:      a.Name,
			Currency:  a.Currency,
		})
	}
	if err := s.drafts.Insert(ctx, draft); err != nil {
		return nil, fmt.Errorf("store draft: %w", err)
	}
	s.logger.Printf("connectflow: draft %s for %s/%s with %d accounts", draft.ID, env, server, len(draft.Accounts))
	return draft, nil
}

// CompleteDraft consumes a draft exactly once and promotes the chosen
// account into a Connection, materializing one AccountRow per
// candidate account with a column-schema probe result on each.
func (s *Service) CompleteDraft(ctx context.Context, draftID, accountID string) (*domain.Connection, error) {
	nowMs := s.now().UnixMilli()
	draft, err := s.drafts.Consume(ctx, draftID, nowMs)
	if err != nil {
		return nil, fmt.Errorf("consume draft %s: %w", draftID, err)
	}

	var selected *domain.DraftAccount
	for i := range draft.Accounts {
		if draft.Accounts[i].AccountID == accountID {
			selected = &draft.Accounts[i]
			break
		}
	}
	if selected == nil {
		return nil, fmt.Errorf("account %s not on draft %s: %w", accountID, draftID, storage.ErrInvalidInput)
	}

	conn := &domain.Connection{
		ID:                   uuid.NewString(),
		Scope:                draft.Scope,
		Environment:          draft.Environment,
		Server:               draft.Server,
		JWTHost:              draft.JWTHost,
		AccessTokenEnc:       draft.AccessTokenEnc,
		RefreshTokenEnc:      draft.RefreshTokenEnc,
		AccessTokenExpiresAt: draft.AccessTokenExpiresAt,
		RefreshTokenExpires:  draft.RefreshTokenExpires,
		SelectedAccountID:    selected.AccountID,
		SelectedAccNum:       selected.AccNum,
		Status:               domain.StatusConnected,
		SubscriptionTier:     domain.TierFree,
		CreatedAt:            nowMs,
		UpdatedAt:            nowMs,
	}
	if err := s.connections.Insert(ctx, conn); err != nil {
		return nil, fmt.Errorf("store connection: %w", err)
	}

	accessToken, err := s.codec.Open(draft.AccessTokenEnc)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	baseURL := tradelocker.BaseURL(string(draft.Environment), draft.JWTHost)

	for _, a := range draft.Accounts {
		row := &domain.AccountRow{
			ID:           uuid.NewString(),
			ConnectionID: conn.ID,
			Scope:        conn.Scope,
			AccountID:    a.AccountID,
			AccNum:       a.AccNum,
			Name:         a.Name,
			Currency:     a.Currency,
			CreatedAt:    nowMs,
			UpdatedAt:    nowMs,
		}
		if err := s.accountRows.Insert(ctx, row); err != nil {
			return nil, fmt.Errorf("store account row %s: %w", a.AccountID, err)
		}
		s.probeConfig(ctx, row, baseURL, accessToken)
	}

	s.logger.Printf("connectflow: connection %s for account %s on %s", conn.ID, accountID, conn.SourceKey())
	return conn, nil
}

// probeConfig checks whether the session can read the column schema
// for one account and caches the outcome on the row. Probe failures
// never fail the flow; they are debug state for support.
func (s *Service) probeConfig(ctx context.Context, row *domain.AccountRow, baseURL, accessToken string) {
	nowMs := s.now().UnixMilli()
	_, err := s.api.Config(ctx, baseURL, accessToken, row.AccNum)
	probeErr := ""
	if err != nil {
		probeErr = err.Error()
		s.logger.Printf("connectflow: config probe for account %s failed: %v", row.AccountID, err)
	}
	if updateErr := s.accountRows.UpdateConfigProbe(ctx, row.ID, err == nil, probeErr, nowMs); updateErr != nil {
		s.logger.Printf("connectflow: store config probe for %s failed: %v", row.ID, updateErr)
	}
}
