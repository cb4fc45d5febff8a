package storage

import (
	"context"
	"time"

	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/token"
	"github.com/mcpvault/broker/internal/app/domain/tool"
)

// SecretFilter narrows ListSecrets results.
type SecretFilter struct {
	Environment secret.Environment
	Type        secret.Type
	Tag         string
	NamePrefix  string
}

// SecretStore persists encrypted secret records and their archived versions.
type SecretStore interface {
	CreateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error)
	UpdateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error)
	GetSecret(ctx context.Context, id string) (secret.Secret, error)
	GetSecretByName(ctx context.Context, owner string, env secret.Environment, name string) (secret.Secret, error)
	ListSecrets(ctx context.Context, owner string, filter SecretFilter) ([]secret.Secret, error)
	ListRotatable(ctx context.Context) ([]secret.Secret, error)

	ArchiveSecretVersion(ctx context.Context, ver secret.ArchivedVersion) error
	ListSecretVersions(ctx context.Context, secretID string) ([]secret.ArchivedVersion, error)
}

// ToolStore persists tool registrations. Tools are never deleted.
type ToolStore interface {
	CreateTool(ctx context.Context, t tool.Tool) (tool.Tool, error)
	UpdateTool(ctx context.Context, t tool.Tool) (tool.Tool, error)
	GetTool(ctx context.Context, id string) (tool.Tool, error)
	ListTools(ctx context.Context, ownerOrg string) ([]tool.Tool, error)
}

// AccessStore persists access requests and sessions.
type AccessStore interface {
	CreateRequest(ctx context.Context, req access.Request) (access.Request, error)
	UpdateRequest(ctx context.Context, req access.Request) (access.Request, error)
	GetRequest(ctx context.Context, id string) (access.Request, error)
	ListPendingRequests(ctx context.Context) ([]access.Request, error)

	CreateSession(ctx context.Context, sess access.Session) (access.Session, error)
	UpdateSession(ctx context.Context, sess access.Session) (access.Session, error)
	GetSession(ctx context.Context, id string) (access.Session, error)
	// CountActiveSessions counts sessions for the tool that are neither ended
	// nor past expiry at the given instant. Evaluated inside the same Atomic
	// scope that creates a session, so the concurrency ceiling cannot race.
	CountActiveSessions(ctx context.Context, toolID string, now time.Time) (int, error)
	ListSessionsByTool(ctx context.Context, toolID string) ([]access.Session, error)
	ListExpiredOpenSessions(ctx context.Context, now time.Time) ([]access.Session, error)
}

// TokenStore persists proxy tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, tok token.Token) (token.Token, error)
	UpdateToken(ctx context.Context, tok token.Token) (token.Token, error)
	GetToken(ctx context.Context, id string) (token.Token, error)
	GetTokenByHash(ctx context.Context, proxyHash string) (token.Token, error)
	// GetLiveToken returns the un-expired, un-revoked token for the
	// (session, secret name) pair, if one exists.
	GetLiveToken(ctx context.Context, sessionID, secretName string, now time.Time) (token.Token, bool, error)
	ListTokensBySession(ctx context.Context, sessionID string) ([]token.Token, error)
}

// AuditStore persists the append-only audit chain. The interface offers no
// update or delete; the backing table additionally rejects both.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error)
	LastAudit(ctx context.Context) (audit.Entry, bool, error)
	ListAudit(ctx context.Context, fromPosition int64, limit int) ([]audit.Entry, error)
}

// Store is the full persistence surface. Atomic runs fn against a
// transaction-scoped view: either every write inside fn becomes durable or
// none do. Mutating broker operations run inside Atomic so a mutation can
// never outlive a failed audit append, and concurrent callers never observe
// half-applied state.
type Store interface {
	SecretStore
	ToolStore
	AccessStore
	TokenStore
	AuditStore

	Atomic(ctx context.Context, fn func(Store) error) error
}
