package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/token"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	"github.com/mcpvault/broker/internal/app/storage"
)

var _ storage.Store = (*Memory)(nil)

// Memory is a thread-safe in-memory persistence layer implementing the
// storage interfaces. It is intended for tests and prototyping and keeps the
// same transactional contract as the Postgres store: Atomic mutates a clone
// and swaps it in only when fn succeeds, so a failed audit append rolls the
// whole operation back.
type Memory struct {
	mu sync.RWMutex
	st *state
}

type state struct {
	secrets     map[string]secret.Secret
	secretNames map[string]string // owner|env|name -> secret id
	versions    map[string][]secret.ArchivedVersion
	tools       map[string]tool.Tool
	requests    map[string]access.Request
	sessions    map[string]access.Session
	tokens      map[string]token.Token
	tokenHashes map[string]string // proxy hash -> token id
	audit       []audit.Entry
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{st: newState()}
}

func newState() *state {
	return &state{
		secrets:     make(map[string]secret.Secret),
		secretNames: make(map[string]string),
		versions:    make(map[string][]secret.ArchivedVersion),
		tools:       make(map[string]tool.Tool),
		requests:    make(map[string]access.Request),
		sessions:    make(map[string]access.Session),
		tokens:      make(map[string]token.Token),
		tokenHashes: make(map[string]string),
	}
}

func (s *state) clone() *state {
	next := newState()
	for k, v := range s.secrets {
		next.secrets[k] = v
	}
	for k, v := range s.secretNames {
		next.secretNames[k] = v
	}
	for k, v := range s.versions {
		next.versions[k] = v
	}
	for k, v := range s.tools {
		next.tools[k] = v
	}
	for k, v := range s.requests {
		next.requests[k] = v
	}
	for k, v := range s.sessions {
		next.sessions[k] = v
	}
	for k, v := range s.tokens {
		next.tokens[k] = v
	}
	for k, v := range s.tokenHashes {
		next.tokenHashes[k] = v
	}
	next.audit = s.audit
	return next
}

func nameKey(owner string, env secret.Environment, name string) string {
	return owner + "|" + string(env) + "|" + name
}

// Atomic clones the current state, runs fn against the clone, and commits the
// clone only when fn returns nil.
func (m *Memory) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.st.clone()
	if err := fn(&txView{st: next}); err != nil {
		return err
	}
	m.st = next
	return nil
}

// txView is the transaction-scoped store handed to Atomic callbacks. It is
// only ever used while the owning Memory holds its write lock.
type txView struct {
	st *state
}

var _ storage.Store = (*txView)(nil)

// Atomic on an already-transactional view joins the enclosing scope.
func (v *txView) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	return fn(v)
}

// --- SecretStore -------------------------------------------------------------

func (m *Memory) CreateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createSecret(sec)
}

func (v *txView) CreateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	return v.st.createSecret(sec)
}

func (s *state) createSecret(sec secret.Secret) (secret.Secret, error) {
	key := nameKey(sec.Owner, sec.Environment, sec.Name)
	if _, exists := s.secretNames[key]; exists {
		return secret.Secret{}, service.NewConflictError("secret", sec.Name,
			"name already exists for owner and environment")
	}
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
	s.secrets[sec.ID] = sec
	s.secretNames[key] = sec.ID
	return sec, nil
}

func (m *Memory) UpdateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateSecret(sec)
}

func (v *txView) UpdateSecret(ctx context.Context, sec secret.Secret) (secret.Secret, error) {
	return v.st.updateSecret(sec)
}

func (s *state) updateSecret(sec secret.Secret) (secret.Secret, error) {
	existing, ok := s.secrets[sec.ID]
	if !ok {
		return secret.Secret{}, service.NewNotFoundError("secret", sec.ID)
	}
	sec.Owner = existing.Owner
	sec.Environment = existing.Environment
	sec.Name = existing.Name
	sec.CreatedAt = existing.CreatedAt
	sec.Version = existing.Version + 1
	sec.UpdatedAt = time.Now().UTC()
	s.secrets[sec.ID] = sec
	return sec, nil
}

func (m *Memory) GetSecret(ctx context.Context, id string) (secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSecret(id)
}

func (v *txView) GetSecret(ctx context.Context, id string) (secret.Secret, error) {
	return v.st.getSecret(id)
}

func (s *state) getSecret(id string) (secret.Secret, error) {
	sec, ok := s.secrets[id]
	if !ok {
		return secret.Secret{}, service.NewNotFoundError("secret", id)
	}
	return sec, nil
}

func (m *Memory) GetSecretByName(ctx context.Context, owner string, env secret.Environment, name string) (secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSecretByName(owner, env, name)
}

func (v *txView) GetSecretByName(ctx context.Context, owner string, env secret.Environment, name string) (secret.Secret, error) {
	return v.st.getSecretByName(owner, env, name)
}

func (s *state) getSecretByName(owner string, env secret.Environment, name string) (secret.Secret, error) {
	id, ok := s.secretNames[nameKey(owner, env, name)]
	if !ok {
		return secret.Secret{}, service.NewNotFoundError("secret", name)
	}
	return s.getSecret(id)
}

func (m *Memory) ListSecrets(ctx context.Context, owner string, filter storage.SecretFilter) ([]secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listSecrets(owner, filter)
}

func (v *txView) ListSecrets(ctx context.Context, owner string, filter storage.SecretFilter) ([]secret.Secret, error) {
	return v.st.listSecrets(owner, filter)
}

func (s *state) listSecrets(owner string, filter storage.SecretFilter) ([]secret.Secret, error) {
	var out []secret.Secret
	for _, sec := range s.secrets {
		if owner != "" && sec.Owner != owner {
			continue
		}
		if filter.Environment != "" && sec.Environment != filter.Environment {
			continue
		}
		if filter.Type != "" && sec.Type != filter.Type {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(sec.Name, filter.NamePrefix) {
			continue
		}
		if filter.Tag != "" && !hasTag(sec.Tags, filter.Tag) {
			continue
		}
		out = append(out, sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func hasTag(tags []string, want string) bool {
	for _, tag := range tags {
		if tag == want {
			return true
		}
	}
	return false
}

func (m *Memory) ListRotatable(ctx context.Context) ([]secret.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRotatable()
}

func (v *txView) ListRotatable(ctx context.Context) ([]secret.Secret, error) {
	return v.st.listRotatable()
}

func (s *state) listRotatable() ([]secret.Secret, error) {
	var out []secret.Secret
	for _, sec := range s.secrets {
		if sec.RotationIntervalDays > 0 {
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ArchiveSecretVersion(ctx context.Context, ver secret.ArchivedVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.archiveSecretVersion(ver)
}

func (v *txView) ArchiveSecretVersion(ctx context.Context, ver secret.ArchivedVersion) error {
	return v.st.archiveSecretVersion(ver)
}

func (s *state) archiveSecretVersion(ver secret.ArchivedVersion) error {
	if _, ok := s.secrets[ver.SecretID]; !ok {
		return service.NewNotFoundError("secret", ver.SecretID)
	}
	for _, existing := range s.versions[ver.SecretID] {
		if existing.Version == ver.Version {
			return service.NewConflictError("secret version", ver.SecretID, "version already archived")
		}
	}
	if ver.ArchivedAt.IsZero() {
		ver.ArchivedAt = time.Now().UTC()
	}
	versions := append([]secret.ArchivedVersion(nil), s.versions[ver.SecretID]...)
	s.versions[ver.SecretID] = append(versions, ver)
	return nil
}

func (m *Memory) ListSecretVersions(ctx context.Context, secretID string) ([]secret.ArchivedVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listSecretVersions(secretID)
}

func (v *txView) ListSecretVersions(ctx context.Context, secretID string) ([]secret.ArchivedVersion, error) {
	return v.st.listSecretVersions(secretID)
}

func (s *state) listSecretVersions(secretID string) ([]secret.ArchivedVersion, error) {
	out := append([]secret.ArchivedVersion(nil), s.versions[secretID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- ToolStore ---------------------------------------------------------------

func (m *Memory) CreateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createTool(t)
}

func (v *txView) CreateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	return v.st.createTool(t)
}

func (s *state) createTool(t tool.Tool) (tool.Tool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tools[t.ID]; exists {
		return tool.Tool{}, service.NewConflictError("tool", t.ID, "already registered")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tools[t.ID] = t
	return t, nil
}

func (m *Memory) UpdateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateTool(t)
}

func (v *txView) UpdateTool(ctx context.Context, t tool.Tool) (tool.Tool, error) {
	return v.st.updateTool(t)
}

func (s *state) updateTool(t tool.Tool) (tool.Tool, error) {
	existing, ok := s.tools[t.ID]
	if !ok {
		return tool.Tool{}, service.NewNotFoundError("tool", t.ID)
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tools[t.ID] = t
	return t, nil
}

func (m *Memory) GetTool(ctx context.Context, id string) (tool.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTool(id)
}

func (v *txView) GetTool(ctx context.Context, id string) (tool.Tool, error) {
	return v.st.getTool(id)
}

func (s *state) getTool(id string) (tool.Tool, error) {
	t, ok := s.tools[id]
	if !ok {
		return tool.Tool{}, service.NewNotFoundError("tool", id)
	}
	return t, nil
}

func (m *Memory) ListTools(ctx context.Context, ownerOrg string) ([]tool.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTools(ownerOrg)
}

func (v *txView) ListTools(ctx context.Context, ownerOrg string) ([]tool.Tool, error) {
	return v.st.listTools(ownerOrg)
}

func (s *state) listTools(ownerOrg string) ([]tool.Tool, error) {
	var out []tool.Tool
	for _, t := range s.tools {
		if ownerOrg != "" && t.OwnerOrg != ownerOrg {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- AccessStore -------------------------------------------------------------

func (m *Memory) CreateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createRequest(req)
}

func (v *txView) CreateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	return v.st.createRequest(req)
}

func (s *state) createRequest(req access.Request) (access.Request, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if _, exists := s.requests[req.ID]; exists {
		return access.Request{}, service.NewConflictError("access request", req.ID, "already exists")
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	s.requests[req.ID] = req
	return req, nil
}

func (m *Memory) UpdateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateRequest(req)
}

func (v *txView) UpdateRequest(ctx context.Context, req access.Request) (access.Request, error) {
	return v.st.updateRequest(req)
}

func (s *state) updateRequest(req access.Request) (access.Request, error) {
	existing, ok := s.requests[req.ID]
	if !ok {
		return access.Request{}, service.NewNotFoundError("access request", req.ID)
	}
	req.CreatedAt = existing.CreatedAt
	s.requests[req.ID] = req
	return req, nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (access.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getRequest(id)
}

func (v *txView) GetRequest(ctx context.Context, id string) (access.Request, error) {
	return v.st.getRequest(id)
}

func (s *state) getRequest(id string) (access.Request, error) {
	req, ok := s.requests[id]
	if !ok {
		return access.Request{}, service.NewNotFoundError("access request", id)
	}
	return req, nil
}

func (m *Memory) ListPendingRequests(ctx context.Context) ([]access.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listPendingRequests()
}

func (v *txView) ListPendingRequests(ctx context.Context) ([]access.Request, error) {
	return v.st.listPendingRequests()
}

func (s *state) listPendingRequests() ([]access.Request, error) {
	var out []access.Request
	for _, req := range s.requests {
		if req.Status == access.RequestPending {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createSession(sess)
}

func (v *txView) CreateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	return v.st.createSession(sess)
}

func (s *state) createSession(sess access.Session) (access.Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if _, exists := s.sessions[sess.ID]; exists {
		return access.Session{}, service.NewConflictError("session", sess.ID, "already exists")
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (m *Memory) UpdateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateSession(sess)
}

func (v *txView) UpdateSession(ctx context.Context, sess access.Session) (access.Session, error) {
	return v.st.updateSession(sess)
}

func (s *state) updateSession(sess access.Session) (access.Session, error) {
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return access.Session{}, service.NewNotFoundError("session", sess.ID)
	}
	sess.CreatedAt = existing.CreatedAt
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (access.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getSession(id)
}

func (v *txView) GetSession(ctx context.Context, id string) (access.Session, error) {
	return v.st.getSession(id)
}

func (s *state) getSession(id string) (access.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return access.Session{}, service.NewNotFoundError("session", id)
	}
	return sess, nil
}

func (m *Memory) CountActiveSessions(ctx context.Context, toolID string, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.countActiveSessions(toolID, now)
}

func (v *txView) CountActiveSessions(ctx context.Context, toolID string, now time.Time) (int, error) {
	return v.st.countActiveSessions(toolID, now)
}

func (s *state) countActiveSessions(toolID string, now time.Time) (int, error) {
	count := 0
	for _, sess := range s.sessions {
		if sess.ToolID == toolID && sess.Active(now) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListSessionsByTool(ctx context.Context, toolID string) ([]access.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listSessionsByTool(toolID)
}

func (v *txView) ListSessionsByTool(ctx context.Context, toolID string) ([]access.Session, error) {
	return v.st.listSessionsByTool(toolID)
}

func (s *state) listSessionsByTool(toolID string) ([]access.Session, error) {
	var out []access.Session
	for _, sess := range s.sessions {
		if sess.ToolID == toolID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListExpiredOpenSessions(ctx context.Context, now time.Time) ([]access.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listExpiredOpenSessions(now)
}

func (v *txView) ListExpiredOpenSessions(ctx context.Context, now time.Time) ([]access.Session, error) {
	return v.st.listExpiredOpenSessions(now)
}

func (s *state) listExpiredOpenSessions(now time.Time) ([]access.Session, error) {
	var out []access.Session
	for _, sess := range s.sessions {
		if sess.EndedAt == nil && !now.Before(sess.ExpiresAt) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- TokenStore --------------------------------------------------------------

func (m *Memory) CreateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.createToken(tok)
}

func (v *txView) CreateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	return v.st.createToken(tok)
}

func (s *state) createToken(tok token.Token) (token.Token, error) {
	if tok.ID == "" {
		tok.ID = uuid.NewString()
	}
	if _, exists := s.tokens[tok.ID]; exists {
		return token.Token{}, service.NewConflictError("proxy token", tok.ID, "already exists")
	}
	if _, exists := s.tokenHashes[tok.ProxyHash]; exists {
		return token.Token{}, service.NewConflictError("proxy token", tok.ID, "proxy value collision")
	}
	if tok.CreatedAt.IsZero() {
		tok.CreatedAt = time.Now().UTC()
	}
	s.tokens[tok.ID] = tok
	s.tokenHashes[tok.ProxyHash] = tok.ID
	return tok, nil
}

func (m *Memory) UpdateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateToken(tok)
}

func (v *txView) UpdateToken(ctx context.Context, tok token.Token) (token.Token, error) {
	return v.st.updateToken(tok)
}

func (s *state) updateToken(tok token.Token) (token.Token, error) {
	existing, ok := s.tokens[tok.ID]
	if !ok {
		return token.Token{}, service.NewNotFoundError("proxy token", tok.ID)
	}
	tok.CreatedAt = existing.CreatedAt
	s.tokens[tok.ID] = tok
	return tok, nil
}

func (m *Memory) GetToken(ctx context.Context, id string) (token.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getToken(id)
}

func (v *txView) GetToken(ctx context.Context, id string) (token.Token, error) {
	return v.st.getToken(id)
}

func (s *state) getToken(id string) (token.Token, error) {
	tok, ok := s.tokens[id]
	if !ok {
		return token.Token{}, service.NewNotFoundError("proxy token", id)
	}
	return tok, nil
}

func (m *Memory) GetTokenByHash(ctx context.Context, proxyHash string) (token.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTokenByHash(proxyHash)
}

func (v *txView) GetTokenByHash(ctx context.Context, proxyHash string) (token.Token, error) {
	return v.st.getTokenByHash(proxyHash)
}

func (s *state) getTokenByHash(proxyHash string) (token.Token, error) {
	id, ok := s.tokenHashes[proxyHash]
	if !ok {
		return token.Token{}, service.NewNotFoundError("proxy token", "")
	}
	return s.getToken(id)
}

func (m *Memory) GetLiveToken(ctx context.Context, sessionID, secretName string, now time.Time) (token.Token, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getLiveToken(sessionID, secretName, now)
}

func (v *txView) GetLiveToken(ctx context.Context, sessionID, secretName string, now time.Time) (token.Token, bool, error) {
	return v.st.getLiveToken(sessionID, secretName, now)
}

func (s *state) getLiveToken(sessionID, secretName string, now time.Time) (token.Token, bool, error) {
	for _, tok := range s.tokens {
		if tok.SessionID == sessionID && tok.SecretName == secretName && tok.Live(now) {
			return tok, true, nil
		}
	}
	return token.Token{}, false, nil
}

func (m *Memory) ListTokensBySession(ctx context.Context, sessionID string) ([]token.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTokensBySession(sessionID)
}

func (v *txView) ListTokensBySession(ctx context.Context, sessionID string) ([]token.Token, error) {
	return v.st.listTokensBySession(sessionID)
}

func (s *state) listTokensBySession(sessionID string) ([]token.Token, error) {
	var out []token.Token
	for _, tok := range s.tokens {
		if tok.SessionID == sessionID {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- AuditStore --------------------------------------------------------------

func (m *Memory) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendAudit(entry)
}

func (v *txView) AppendAudit(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	return v.st.appendAudit(entry)
}

func (s *state) appendAudit(entry audit.Entry) (audit.Entry, error) {
	expected := int64(len(s.audit)) + 1
	if entry.Position == 0 {
		entry.Position = expected
	} else if entry.Position != expected {
		return audit.Entry{}, service.NewConflictError("audit entry", "",
			"position does not extend the chain")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.audit = append(append([]audit.Entry(nil), s.audit...), entry)
	return entry, nil
}

func (m *Memory) LastAudit(ctx context.Context) (audit.Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.lastAudit()
}

func (v *txView) LastAudit(ctx context.Context) (audit.Entry, bool, error) {
	return v.st.lastAudit()
}

func (s *state) lastAudit() (audit.Entry, bool, error) {
	if len(s.audit) == 0 {
		return audit.Entry{}, false, nil
	}
	return s.audit[len(s.audit)-1], true, nil
}

func (m *Memory) ListAudit(ctx context.Context, fromPosition int64, limit int) ([]audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAudit(fromPosition, limit)
}

func (v *txView) ListAudit(ctx context.Context, fromPosition int64, limit int) ([]audit.Entry, error) {
	return v.st.listAudit(fromPosition, limit)
}

func (s *state) listAudit(fromPosition int64, limit int) ([]audit.Entry, error) {
	var out []audit.Entry
	for _, entry := range s.audit {
		if fromPosition > 0 && entry.Position < fromPosition {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
