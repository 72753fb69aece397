package domain

import (
	"fmt"
	"strings"
)

// Environment selects the broker environment a connection targets.
type Environment string

const (
	EnvDemo Environment = "demo"
	EnvLive Environment = "live"
)

// ConnectionStatus is the lifecycle state of a broker connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// Scope identifies the owner of a record. Platform-owned records use
// OrganizationID = "platform" and an empty UserID.
type Scope struct {
	OrganizationID string
	UserID         string
}

// PlatformScope is the scope for pool accounts not tied to an end user.
var PlatformScope = Scope{OrganizationID: "platform"}

// Connection is one linked broker account for one user (or the platform
// pool). Token fields hold whatever the vault codec produced: an
// encrypted envelope in encrypted mode, clear text in plain mode.
// Corresponds to broker_connections table in PostgreSQL.
type Connection struct {
	ID          string
	Scope       Scope
	Environment Environment
	Server      string
	JWTHost     string // base URL host extracted from the access token

	AccessTokenEnc       string
	RefreshTokenEnc      string
	AccessTokenExpiresAt int64 // Unix ms, 0 if unknown
	RefreshTokenExpires  int64 // Unix ms, 0 if unknown

	SelectedAccountID string
	SelectedAccNum    string

	Status              ConnectionStatus
	LastError           string
	LastSyncAt          int64 // Unix ms, 0 if never synced
	LastBrokerActivity  int64 // Unix ms of last new execution or open position
	HasOpenTrade        bool
	SubscriptionTier    string // free | standard | pro

	SyncLeaseOwner string
	SyncLeaseUntil int64 // Unix ms, 0 when no lease

	CreatedAt int64
	UpdatedAt int64
}

// SourceKey identifies the broker venue this connection reaches:
// one key per (environment, host, server), lowercased.
func (c *Connection) SourceKey() string {
	return SourceKey(c.Environment, c.JWTHost, c.Server)
}

// SourceKey builds the canonical venue key shared by connections,
// pool accounts and sync rules.
func SourceKey(env Environment, host, server string) string {
	return strings.ToLower(fmt.Sprintf("tradelocker:%s:%s:%s", env, host, server))
}

// ConnectDraft holds freshly issued tokens and the candidate account
// list while the user picks one. Consumed exactly once; expires ~10min
// after creation.
type ConnectDraft struct {
	ID          string
	Scope       Scope
	Environment Environment
	Server      string
	JWTHost     string

	AccessTokenEnc       string
	RefreshTokenEnc      string
	AccessTokenExpiresAt int64
	RefreshTokenExpires  int64

	Accounts  []DraftAccount
	Consumed  bool
	ExpiresAt int64
	CreatedAt int64
}

// DraftAccount is one broker account offered during the connect flow.
type DraftAccount struct {
	AccountID string
	AccNum    string
	Name      string
	Currency  string
}

// AccountRow is one (connection, broker account) pair, with a debug
// cache of the last column-schema probe.
type AccountRow struct {
	ID           string
	ConnectionID string
	Scope        Scope
	AccountID    string
	AccNum       string
	Name         string
	Currency     string

	LastConfigOK        bool
	LastConfigError     string
	LastConfigCheckedAt int64

	CreatedAt int64
	UpdatedAt int64
}
