package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/token"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	"github.com/mcpvault/broker/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. A zero tx
// means statements run against the pool; Atomic hands callbacks a tx-bound
// clone so every write inside the callback shares one transaction.
type Store struct {
	db *sql.DB
	tx *sql.Tx
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Atomic runs fn inside a database transaction. Nested calls join the
// enclosing transaction.
func (s *Store) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Store{db: s.db, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- SecretStore -------------------------------------------------------------

const secretColumns = `id, name, type, ciphertext, iv, key_version, owner, environment, tags,
	rotation_interval_days, auto_generate, notify_days_before, last_rotated_at,
	expires_at, version, created_at, updated_at`

func (s *Store) CreateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = now
	}
	sec.UpdatedAt = now
	if sec.Version == 0 {
		sec.Version = 1
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_secrets (`+secretColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, sec.ID, sec.Name, sec.Type, sec.Value.Ciphertext, sec.Value.IV, sec.Value.KeyVersion,
		sec.Owner, sec.Environment, pq.Array(sec.Tags),
		sec.RotationIntervalDays, sec.AutoGenerate, sec.NotifyDaysBefore, sec.LastRotatedAt,
		sec.ExpiresAt, sec.Version, sec.CreatedAt, sec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return secret.Secret{}, service.NewConflictError("secret", sec.Name,
				"name already exists for owner and environment")
		}
		return secret.Secret{}, err
	}
	return sec, nil
}

func (s *Store) UpdateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	existing, err := s.GetSecret(ctx, sec.ID)
	if err != nil {
		return secret.Secret{}, err
	}

	sec.Name = existing.Name
	sec.Owner = existing.Owner
	sec.Environment = existing.Environment
	sec.CreatedAt = existing.CreatedAt
	sec.Version = existing.Version + 1
	sec.UpdatedAt = time.Now().UTC()

	result, err := s.q().ExecContext(ctx, `
		UPDATE broker_secrets
		SET type = $2, ciphertext = $3, iv = $4, key_version = $5, tags = $6,
			rotation_interval_days = $7, auto_generate = $8, notify_days_before = $9,
			last_rotated_at = $10, expires_at = $11, version = $12, updated_at = $13
		WHERE id = $1 AND version = $14
	`, sec.ID, sec.Type, sec.Value.Ciphertext, sec.Value.IV, sec.Value.KeyVersion,
		pq.Array(sec.Tags), sec.RotationIntervalDays, sec.AutoGenerate, sec.NotifyDaysBefore,
		sec.LastRotatedAt, sec.ExpiresAt, sec.Version, sec.UpdatedAt, existing.Version)
	if err != nil {
		return secret.Secret{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return secret.Secret{}, service.NewConflictError("secret", sec.ID, "concurrent update")
	}
	return sec, nil
}

func (s *Store) GetSecret(ctx context.Context, id string) (secret.Secret, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+secretColumns+`
		FROM broker_secrets
		WHERE id = $1
	`, id)
	sec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return secret.Secret{}, service.NewNotFoundError("secret", id)
	}
	return sec, err
}

func (s *Store) GetSecretByName(ctx context.Context, owner string, env secret.Environment, name string) (secret.Secret, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+secretColumns+`
		FROM broker_secrets
		WHERE owner = $1 AND environment = $2 AND name = $3
	`, owner, env, name)
	sec, err := scanSecret(row)
	if errors.Is(err, sql.ErrNoRows) {
		return secret.Secret{}, service.NewNotFoundError("secret", name)
	}
	return sec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (secret.Secret, error) {
	var (
		sec  secret.Secret
		tags pq.StringArray
	)
	err := row.Scan(&sec.ID, &sec.Name, &sec.Type, &sec.Value.Ciphertext, &sec.Value.IV,
		&sec.Value.KeyVersion, &sec.Owner, &sec.Environment, &tags,
		&sec.RotationIntervalDays, &sec.AutoGenerate, &sec.NotifyDaysBefore,
		&sec.LastRotatedAt, &sec.ExpiresAt, &sec.Version, &sec.CreatedAt, &sec.UpdatedAt)
	if err != nil {
		return secret.Secret{}, err
	}
	sec.Tags = tags
	return sec, nil
}

func (s *Store) ListSecrets(ctx context.Context, owner string, filter storage.SecretFilter) ([]secret.Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM broker_secrets WHERE 1=1`
	args := []any{}
	idx := 1
	add := func(clause string, value any) {
		query += fmt.Sprintf(" AND %s $%d", clause, idx)
		args = append(args, value)
		idx++
	}
	if owner != "" {
		add("owner =", owner)
	}
	if filter.Environment != "" {
		add("environment =", filter.Environment)
	}
	if filter.Type != "" {
		add("type =", filter.Type)
	}
	if filter.NamePrefix != "" {
		add("name LIKE", filter.NamePrefix+"%")
	}
	if filter.Tag != "" {
		add("tags @>", pq.Array([]string{filter.Tag}))
	}
	query += " ORDER BY name"

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secret.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *Store) ListRotatable(ctx context.Context) ([]secret.Secret, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+secretColumns+`
		FROM broker_secrets
		WHERE rotation_interval_days > 0
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secret.Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func (s *Store) ArchiveSecretVersion(ctx context.Context, ver secret.ArchivedVersion) error {
	if ver.ArchivedAt.IsZero() {
		ver.ArchivedAt = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_secret_versions (secret_id, version, ciphertext, iv, key_version, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ver.SecretID, ver.Version, ver.Value.Ciphertext, ver.Value.IV, ver.Value.KeyVersion, ver.ArchivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return service.NewConflictError("secret version", ver.SecretID, "version already archived")
		}
		return err
	}
	return nil
}

func (s *Store) ListSecretVersions(ctx context.Context, secretID string) ([]secret.ArchivedVersion, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT secret_id, version, ciphertext, iv, key_version, archived_at
		FROM broker_secret_versions
		WHERE secret_id = $1
		ORDER BY version
	`, secretID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []secret.ArchivedVersion
	for rows.Next() {
		var ver secret.ArchivedVersion
		if err := rows.Scan(&ver.SecretID, &ver.Version, &ver.Value.Ciphertext,
			&ver.Value.IV, &ver.Value.KeyVersion, &ver.ArchivedAt); err != nil {
			return nil, err
		}
		out = append(out, ver)
	}
	return out, rows.Err()
}

// --- ToolStore ---------------------------------------------------------------

const toolColumns = `id, owner_org, secret_names, environments, max_concurrent_sessions,
	max_session_duration_seconds, auto_approve, risk, status, created_at, updated_at`

func (s *Store) CreateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_tools (`+toolColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.OwnerOrg, pq.Array(t.Permissions.SecretNames), pq.Array(environmentStrings(t.Permissions.Environments)),
		t.Permissions.MaxConcurrentSessions, int64(t.Permissions.MaxSessionDuration/time.Second),
		t.AutoApprove, t.Risk, t.Status, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return tool.Tool{}, service.NewConflictError("tool", t.ID, "already registered")
		}
		return tool.Tool{}, err
	}
	return t, nil
}

func (s *Store) UpdateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	t.UpdatedAt = time.Now().UTC()
	result, err := s.q().ExecContext(ctx, `
		UPDATE broker_tools
		SET owner_org = $2, secret_names = $3, environments = $4, max_concurrent_sessions = $5,
			max_session_duration_seconds = $6, auto_approve = $7, risk = $8, status = $9, updated_at = $10
		WHERE id = $1
	`, t.ID, t.OwnerOrg, pq.Array(t.Permissions.SecretNames), pq.Array(environmentStrings(t.Permissions.Environments)),
		t.Permissions.MaxConcurrentSessions, int64(t.Permissions.MaxSessionDuration/time.Second),
		t.AutoApprove, t.Risk, t.Status, t.UpdatedAt)
	if err != nil {
		return tool.Tool{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return tool.Tool{}, service.NewNotFoundError("tool", t.ID)
	}
	return t, nil
}

func (s *Store) GetTool(ctx context.Context, id string) (tool.Tool, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+toolColumns+`
		FROM broker_tools
		WHERE id = $1
	`, id)
	t, err := scanTool(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tool.Tool{}, service.NewNotFoundError("tool", id)
	}
	return t, err
}

func scanTool(row rowScanner) (tool.Tool, error) {
	var (
		t            tool.Tool
		names        pq.StringArray
		envs         pq.StringArray
		durationSecs int64
	)
	err := row.Scan(&t.ID, &t.OwnerOrg, &names, &envs, &t.Permissions.MaxConcurrentSessions,
		&durationSecs, &t.AutoApprove, &t.Risk, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return tool.Tool{}, err
	}
	t.Permissions.SecretNames = names
	t.Permissions.Environments = environmentsFromStrings(envs)
	t.Permissions.MaxSessionDuration = time.Duration(durationSecs) * time.Second
	return t, nil
}

func environmentStrings(envs []secret.Environment) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, string(env))
	}
	return out
}

func environmentsFromStrings(raw []string) []secret.Environment {
	out := make([]secret.Environment, 0, len(raw))
	for _, env := range raw {
		out = append(out, secret.Environment(env))
	}
	return out
}

func (s *Store) ListTools(ctx context.Context, ownerOrg string) ([]tool.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM broker_tools`
	args := []any{}
	if ownerOrg != "" {
		query += ` WHERE owner_org = $1`
		args = append(args, ownerOrg)
	}
	query += ` ORDER BY id`

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tool.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- AccessStore -------------------------------------------------------------

const requestColumns = `id, tool_id, secret_names, environment, justification,
	estimated_duration_seconds, status, decided_by, decided_at, expires_at, created_at`

func (s *Store) CreateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_access_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ID, req.ToolID, pq.Array(req.SecretNames), req.Environment, req.Justification,
		int64(req.EstimatedDuration/time.Second), req.Status, nullString(req.DecidedBy),
		req.DecidedAt, req.ExpiresAt, req.CreatedAt)
	if err != nil {
		return access.Request{}, err
	}
	return req, nil
}

func (s *Store) UpdateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	result, err := s.q().ExecContext(ctx, `
		UPDATE broker_access_requests
		SET status = $2, decided_by = $3, decided_at = $4
		WHERE id = $1
	`, req.ID, req.Status, nullString(req.DecidedBy), req.DecidedAt)
	if err != nil {
		return access.Request{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return access.Request{}, service.NewNotFoundError("access request", req.ID)
	}
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (access.Request, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM broker_access_requests
		WHERE id = $1
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Request{}, service.NewNotFoundError("access request", id)
	}
	return req, err
}

func scanRequest(row rowScanner) (access.Request, error) {
	var (
		req          access.Request
		names        pq.StringArray
		durationSecs int64
		decidedBy    sql.NullString
	)
	err := row.Scan(&req.ID, &req.ToolID, &names, &req.Environment, &req.Justification,
		&durationSecs, &req.Status, &decidedBy, &req.DecidedAt, &req.ExpiresAt, &req.CreatedAt)
	if err != nil {
		return access.Request{}, err
	}
	req.SecretNames = names
	req.EstimatedDuration = time.Duration(durationSecs) * time.Second
	req.DecidedBy = decidedBy.String
	return req, nil
}

func (s *Store) ListPendingRequests(ctx context.Context) ([]access.Request, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM broker_access_requests
		WHERE status = $1
		ORDER BY id
	`, access.RequestPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

const sessionColumns = `id, request_id, tool_id, secret_names, environment, expires_at, ended_at, created_at`

func (s *Store) CreateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sess.ID, sess.RequestID, sess.ToolID, pq.Array(sess.SecretNames), sess.Environment,
		sess.ExpiresAt, sess.EndedAt, sess.CreatedAt)
	if err != nil {
		return access.Session{}, err
	}
	return sess, nil
}

func (s *Store) UpdateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	result, err := s.q().ExecContext(ctx, `
		UPDATE broker_sessions
		SET ended_at = $2
		WHERE id = $1
	`, sess.ID, sess.EndedAt)
	if err != nil {
		return access.Session{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return access.Session{}, service.NewNotFoundError("session", sess.ID)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (access.Session, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM broker_sessions
		WHERE id = $1
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Session{}, service.NewNotFoundError("session", id)
	}
	return sess, err
}

func scanSession(row rowScanner) (access.Session, error) {
	var (
		sess  access.Session
		names pq.StringArray
	)
	err := row.Scan(&sess.ID, &sess.RequestID, &sess.ToolID, &names, &sess.Environment,
		&sess.ExpiresAt, &sess.EndedAt, &sess.CreatedAt)
	if err != nil {
		return access.Session{}, err
	}
	sess.SecretNames = names
	return sess, nil
}

func (s *Store) CountActiveSessions(ctx context.Context, toolID string, now time.Time) (int, error) {
	var count int
	err := s.q().QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM broker_sessions
		WHERE tool_id = $1 AND ended_at IS NULL AND expires_at > $2
	`, toolID, now).Scan(&count)
	return count, err
}

func (s *Store) ListSessionsByTool(ctx context.Context, toolID string) ([]access.Session, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM broker_sessions
		WHERE tool_id = $1
		ORDER BY created_at
	`, toolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) ListExpiredOpenSessions(ctx context.Context, now time.Time) ([]access.Session, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM broker_sessions
		WHERE ended_at IS NULL AND expires_at <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- TokenStore --------------------------------------------------------------

const tokenColumns = `id, session_id, secret_name, secret_ref_ciphertext, secret_ref_iv,
	secret_ref_key_version, proxy_hash, proxy_ciphertext, proxy_iv, proxy_key_version,
	expires_at, revoked_at, created_at`

func (s *Store) CreateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_proxy_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, tok.ID, tok.SessionID, tok.SecretName, tok.SecretRef.Ciphertext, tok.SecretRef.IV,
		tok.SecretRef.KeyVersion, tok.ProxyHash, tok.ProxyCipher.Ciphertext, tok.ProxyCipher.IV,
		tok.ProxyCipher.KeyVersion, tok.ExpiresAt, tok.RevokedAt, tok.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return token.Token{}, service.NewConflictError("proxy token", tok.ID, "proxy value collision")
		}
		return token.Token{}, err
	}
	return tok, nil
}

func (s *Store) UpdateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	result, err := s.q().ExecContext(ctx, `
		UPDATE broker_proxy_tokens
		SET revoked_at = $2
		WHERE id = $1
	`, tok.ID, tok.RevokedAt)
	if err != nil {
		return token.Token{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return token.Token{}, service.NewNotFoundError("proxy token", tok.ID)
	}
	return tok, nil
}

func (s *Store) GetToken(ctx context.Context, id string) (token.Token, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM broker_proxy_tokens
		WHERE id = $1
	`, id)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, service.NewNotFoundError("proxy token", id)
	}
	return tok, err
}

func (s *Store) GetTokenByHash(ctx context.Context, proxyHash string) (token.Token, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM broker_proxy_tokens
		WHERE proxy_hash = $1
	`, proxyHash)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, service.NewNotFoundError("proxy token", "")
	}
	return tok, err
}

func (s *Store) GetLiveToken(ctx context.Context, sessionID, secretName string, now time.Time) (token.Token, bool, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+tokenColumns+`
		FROM broker_proxy_tokens
		WHERE session_id = $1 AND secret_name = $2 AND revoked_at IS NULL AND expires_at > $3
		LIMIT 1
	`, sessionID, secretName, now)
	tok, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return token.Token{}, false, nil
	}
	if err != nil {
		return token.Token{}, false, err
	}
	return tok, true, nil
}

func scanToken(row rowScanner) (token.Token, error) {
	var tok token.Token
	err := row.Scan(&tok.ID, &tok.SessionID, &tok.SecretName,
		&tok.SecretRef.Ciphertext, &tok.SecretRef.IV, &tok.SecretRef.KeyVersion,
		&tok.ProxyHash, &tok.ProxyCipher.Ciphertext, &tok.ProxyCipher.IV, &tok.ProxyCipher.KeyVersion,
		&tok.ExpiresAt, &tok.RevokedAt, &tok.CreatedAt)
	if err != nil {
		return token.Token{}, err
	}
	return tok, nil
}

func (s *Store) ListTokensBySession(ctx context.Context, sessionID string) ([]token.Token, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+tokenColumns+`
		FROM broker_proxy_tokens
		WHERE session_id = $1
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []token.Token
	for rows.Next() {
		tok, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

// --- AuditStore --------------------------------------------------------------

func (s *Store) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO broker_audit_log (position, actor, action, target, result, detail, signature, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.Position, entry.Actor, entry.Action, entry.Target, entry.Result,
		entry.Detail, entry.Signature, entry.Timestamp)
	if err != nil {
		if isUniqueViolation(err) {
			return audit.Entry{}, service.NewConflictError("audit entry", "",
				"position does not extend the chain")
		}
		return audit.Entry{}, err
	}
	return entry, nil
}

func (s *Store) LastAudit(ctx context.Context) (audit.Entry, bool, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT position, actor, action, target, result, detail, signature, at
		FROM broker_audit_log
		ORDER BY position DESC
		LIMIT 1
	`)
	entry, err := scanAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, err
	}
	return entry, true, nil
}

func (s *Store) ListAudit(ctx context.Context, fromPosition int64, limit int) ([]audit.Entry, error) {
	query := `
		SELECT position, actor, action, target, result, detail, signature, at
		FROM broker_audit_log
		WHERE position >= $1
		ORDER BY position`
	args := []any{fromPosition}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		entry, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func scanAudit(row rowScanner) (audit.Entry, error) {
	var entry audit.Entry
	err := row.Scan(&entry.Position, &entry.Actor, &entry.Action, &entry.Target,
		&entry.Result, &entry.Detail, &entry.Signature, &entry.Timestamp)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
