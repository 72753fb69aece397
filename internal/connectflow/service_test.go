package connectflow

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-sync-lab/internal/domain"
	"broker-sync-lab/internal/storage"
	"broker-sync-lab/internal/storage/memory"
	"broker-sync-lab/internal/tradelocker"
	"broker-sync-lab/internal/vault"
)

type fakeGateway struct {
	authErr      error
	accounts     []tradelocker.Account
	configErrFor map[string]error // accNum -> error
	configCalls  []string
}

func (f *fakeGateway) Authenticate(_ context.Context, _, email, password, _ string) (*tradelocker.TokenPair, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	if email == "" || password == "" {
		return nil, &tradelocker.HTTPError{Status: 401, Body: "invalid credentials"}
	}
	return &tradelocker.TokenPair{
		AccessToken:      "issued-access",
		RefreshToken:     "issued-refresh",
		AccessExpiresAt:  1_700_003_600_000,
		RefreshExpiresAt: 1_702_000_000_000,
	}, nil
}

func (f *fakeGateway) AllAccounts(_ context.Context, _, _ string) ([]tradelocker.Account, error) {
	return f.accounts, nil
}

func (f *fakeGateway) Config(_ context.Context, _, _, accNum string) (*tradelocker.ColumnSchema, error) {
	f.configCalls = append(f.configCalls, accNum)
	if err, ok := f.configErrFor[accNum]; ok {
		return nil, err
	}
	return &tradelocker.ColumnSchema{Orders: []string{"id"}}, nil
}

var _ BrokerAPI = (*fakeGateway)(nil)

type flowFixture struct {
	service     *Service
	gateway     *fakeGateway
	drafts      *memory.DraftStore
	connections *memory.ConnectionStore
	accountRows *memory.AccountRowStore
	codec       *vault.Codec
	nowMs       int64
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	codec, err := vault.NewCodec(vault.ModeEncrypted, "flow-secret")
	require.NoError(t, err)

	f := &flowFixture{
		gateway: &fakeGateway{
			accounts: []tradelocker.Account{
				{ID: "acct-1", AccNum: "1", Name: "Demo A", Currency: "USD"},
				{ID: "acct-2", AccNum: "2", Name: "Demo B", Currency: "EUR"},
			},
		},
		drafts:      memory.NewDraftStore(),
		connections: memory.NewConnectionStore(),
		accountRows: memory.NewAccountRowStore(),
		codec:       codec,
		nowMs:       1_700_000_000_000,
	}
	service, err := NewService(Options{
		API:         f.gateway,
		Drafts:      f.drafts,
		Connections: f.connections,
		AccountRows: f.accountRows,
		Codec:       codec,
		Logger:      log.New(os.Stderr, "[test] ", log.LstdFlags),
		Now:         func() time.Time { return time.UnixMilli(f.nowMs) },
	})
	require.NoError(t, err)
	f.service = service
	return f
}

func TestStartDraftSealsTokensAndExpires(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	scope := domain.Scope{OrganizationID: "org", UserID: "user"}

	draft, err := f.service.StartDraft(ctx, scope, domain.EnvDemo, "DEMO1", "a@b.c", "pw")
	require.NoError(t, err)

	assert.Len(t, draft.Accounts, 2)
	assert.Equal(t, f.nowMs+DraftTTL.Milliseconds(), draft.ExpiresAt)
	assert.False(t, draft.Consumed)

	// tokens are sealed at rest, never stored raw
	assert.True(t, vault.IsEnvelope(draft.AccessTokenEnc))
	access, err := f.codec.Open(draft.AccessTokenEnc)
	require.NoError(t, err)
	assert.Equal(t, "issued-access", access)
}

func TestStartDraftRejectsBadCredentials(t *testing.T) {
	f := newFlowFixture(t)
	_, err := f.service.StartDraft(context.Background(), domain.Scope{OrganizationID: "org"}, domain.EnvDemo, "DEMO1", "", "")
	require.Error(t, err)
	assert.True(t, tradelocker.IsAuthError(err))
}

func TestCompleteDraftPromotesConnection(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)
	scope := domain.Scope{OrganizationID: "org", UserID: "user"}
	f.gateway.configErrFor = map[string]error{"2": &tradelocker.HTTPError{Status: 403, Body: "forbidden"}}

	draft, err := f.service.StartDraft(ctx, scope, domain.EnvDemo, "DEMO1", "a@b.c", "pw")
	require.NoError(t, err)

	conn, err := f.service.CompleteDraft(ctx, draft.ID, "acct-2")
	require.NoError(t, err)
	assert.Equal(t, "acct-2", conn.SelectedAccountID)
	assert.Equal(t, "2", conn.SelectedAccNum)
	assert.Equal(t, domain.StatusConnected, conn.Status)
	assert.Equal(t, domain.TierFree, conn.SubscriptionTier)
	assert.Equal(t, draft.AccessTokenEnc, conn.AccessTokenEnc)

	rows, err := f.accountRows.ListByConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// the probe outcome is cached per row
	probes := map[string]bool{}
	for _, row := range rows {
		probes[row.AccNum] = row.LastConfigOK
		assert.Equal(t, f.nowMs, row.LastConfigCheckedAt)
	}
	assert.True(t, probes["1"])
	assert.False(t, probes["2"])
}

func TestCompleteDraftConsumesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	draft, err := f.service.StartDraft(ctx, domain.Scope{OrganizationID: "org"}, domain.EnvDemo, "DEMO1", "a@b.c", "pw")
	require.NoError(t, err)

	_, err = f.service.CompleteDraft(ctx, draft.ID, "acct-1")
	require.NoError(t, err)

	_, err = f.service.CompleteDraft(ctx, draft.ID, "acct-1")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestCompleteDraftRejectsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	draft, err := f.service.StartDraft(ctx, domain.Scope{OrganizationID: "org"}, domain.EnvDemo, "DEMO1", "a@b.c", "pw")
	require.NoError(t, err)

	f.nowMs += DraftTTL.Milliseconds() + 1
	_, err = f.service.CompleteDraft(ctx, draft.ID, "acct-1")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}

func TestCompleteDraftRejectsUnknownAccount(t *testing.T) {
	ctx := context.Background()
	f := newFlowFixture(t)

	draft, err := f.service.StartDraft(ctx, domain.Scope{OrganizationID: "org"}, domain.EnvDemo, "DEMO1", "a@b.c", "pw")
	require.NoError(t, err)

	_, err = f.service.CompleteDraft(ctx, draft.ID, "acct-nope")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
	// the draft is gone either way: consumption happens first
	_, err = f.service.CompleteDraft(ctx, draft.ID, "acct-1")
	assert.True(t, errors.Is(err, storage.ErrInvalidInput))
}
