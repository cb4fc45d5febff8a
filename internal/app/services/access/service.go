package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	"github.com/mcpvault/broker/internal/app/metrics"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/services/policy"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// DefaultPendingTTL bounds how long an undecided request stays actionable.
const DefaultPendingTTL = 24 * time.Hour

// PolicyActor is recorded as the decider on requests resolved by policy
// alone, with no human in the loop.
const PolicyActor = "policy"

// Service drives access requests through their lifecycle and owns the
// sessions they spawn. Every transition is a single transaction together
// with its audit entry.
type Service struct {
	store      storage.Store
	chain      *auditsvc.Chain
	log        *logger.Logger
	notifier   Notifier
	pendingTTL time.Duration

	now func() time.Time
}

// Notifier is told about requests awaiting a human decision. Delivery is
// best effort; the request is pending whether or not anyone hears about it.
type Notifier interface {
	Notify(ctx context.Context, req access.Request) error
}

// WithNotifier attaches an approval notifier. Returns the service for
// chaining during wiring.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

func New(store storage.Store, chain *auditsvc.Chain, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("access")
	}
	return &Service{
		store:      store,
		chain:      chain,
		log:        log,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
}

// SubmitInput is a tool's declared intent to use secrets.
type SubmitInput struct {
	ToolID            string
	SecretNames       []string
	Environment       secret.Environment
	Justification     string
	EstimatedDuration time.Duration
}

// Submit records an access request and renders the policy decision. An
// auto-approved request opens its session in the same transaction; a denied
// request is stored in its terminal state for the record.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (access.Request, *access.Session, error) {
	in.ToolID = strings.TrimSpace(in.ToolID)
	if in.ToolID == "" {
		return access.Request{}, nil, service.RequiredError("tool_id")
	}
	if len(in.SecretNames) == 0 {
		return access.Request{}, nil, service.RequiredError("secret_names")
	}
	if strings.TrimSpace(in.Justification) == "" {
		return access.Request{}, nil, service.RequiredError("justification")
	}
	if in.EstimatedDuration <= 0 {
		return access.Request{}, nil, service.NewValidationError("estimated_duration", "must be positive")
	}
	if !in.Environment.Valid() {
		return access.Request{}, nil, service.NewValidationError("environment",
			fmt.Sprintf("unknown environment %q", in.Environment))
	}

	t, err := s.store.GetTool(ctx, in.ToolID)
	if err != nil {
		return access.Request{}, nil, err
	}

	now := s.now().UTC()
	verdict := policy.Evaluate(t, in.SecretNames, in.Environment, in.EstimatedDuration)
	metrics.RecordAccessDecision(string(verdict.Decision))

	req := access.Request{
		ToolID:            t.ID,
		SecretNames:       in.SecretNames,
		Environment:       in.Environment,
		Justification:     in.Justification,
		EstimatedDuration: in.EstimatedDuration,
		Status:            access.RequestPending,
		ExpiresAt:         now.Add(s.pendingTTL),
	}

	var sess *access.Session
	err = s.store.Atomic(ctx, func(tx storage.Store) error {
		switch verdict.Decision {
		case policy.Deny:
			req.Status = access.RequestDenied
			req.DecidedBy = PolicyActor
			req.DecidedAt = &now
		case policy.AutoApprove:
			req.Status = access.RequestApproved
			req.DecidedBy = PolicyActor
			req.DecidedAt = &now
		}

		created, err := tx.CreateRequest(ctx, req)
		if err != nil {
			return err
		}
		req = created

		result := audit.ResultSuccess
		if verdict.Decision == policy.Deny {
			result = audit.ResultFailure
		}
		detail := fmt.Sprintf("%s: %s", verdict.Decision, verdict.Reason)
		if _, err := s.chain.Append(ctx, tx, auditsvc.Entry(t.ID, "access.submit", req.ID, result, detail)); err != nil {
			return err
		}

		if verdict.Decision == policy.AutoApprove {
			opened, err := s.openSession(ctx, tx, t, req, now)
			if err != nil {
				return err
			}
			sess = &opened
		}
		return nil
	})
	if err != nil {
		return access.Request{}, nil, err
	}

	if verdict.Decision == policy.Deny {
		denied := service.NewAccessDeniedError("access request", req.ID, t.ID)
		denied.Reason = verdict.Reason
		return req, nil, denied
	}
	if sess != nil {
		metrics.RecordSessionOpened()
	}
	if req.Status == access.RequestPending && s.notifier != nil {
		if err := s.notifier.Notify(ctx, req); err != nil {
			s.log.WithError(err).WithField("request_id", req.ID).Warn("deliver approval notification")
		}
	}

	s.log.WithField("request_id", req.ID).WithField("decision", string(verdict.Decision)).Info("access request submitted")
	return req, sess, nil
}

// Decide resolves a pending request. Approval opens the session in the same
// transaction; if the tool is at its concurrency ceiling the whole decision
// rolls back with Throttled and the request stays pending for a later retry.
func (s *Service) Decide(ctx context.Context, approver, requestID string, approve bool, notes string) (access.Request, *access.Session, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return access.Request{}, nil, service.RequiredError("approver")
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return access.Request{}, nil, service.RequiredError("request_id")
	}

	now := s.now().UTC()
	var (
		req     access.Request
		sess    *access.Session
		expired bool
	)
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if current.Terminal() {
			return service.NewTransitionError("access request", requestID, string(current.Status), "decide")
		}
		if !now.Before(current.ExpiresAt) {
			// The deadline passed undecided. Persist the expiry transition
			// and report it after the commit.
			current.Status = access.RequestExpired
			if req, err = tx.UpdateRequest(ctx, current); err != nil {
				return err
			}
			if _, err := s.chain.Append(ctx, tx, auditsvc.Entry(approver, "access.decide", requestID,
				audit.ResultFailure, "request expired before decision")); err != nil {
				return err
			}
			expired = true
			return nil
		}

		current.DecidedBy = approver
		current.DecidedAt = &now
		action := "denied"
		if approve {
			current.Status = access.RequestApproved
			action = "approved"
		} else {
			current.Status = access.RequestDenied
		}

		req, err = tx.UpdateRequest(ctx, current)
		if err != nil {
			return err
		}

		detail := action
		if notes != "" {
			detail = fmt.Sprintf("%s: %s", action, notes)
		}
		if _, err := s.chain.Append(ctx, tx, auditsvc.Entry(approver, "access.decide", requestID,
			audit.ResultSuccess, detail)); err != nil {
			return err
		}

		if approve {
			t, err := tx.GetTool(ctx, req.ToolID)
			if err != nil {
				return err
			}
			opened, err := s.openSession(ctx, tx, t, req, now)
			if err != nil {
				return err
			}
			sess = &opened
		}
		return nil
	})
	if err != nil {
		return access.Request{}, nil, err
	}
	if expired {
		return req, nil, service.NewExpiredError("access request", requestID, req.ExpiresAt)
	}

	metrics.RecordAccessDecision(string(req.Status))
	if sess != nil {
		metrics.RecordSessionOpened()
	}
	s.log.WithField("request_id", requestID).WithField("approver", approver).Info("access request decided")
	return req, sess, nil
}

// openSession enforces the concurrency ceiling and opens the session. Runs
// inside the caller's Atomic scope so the count cannot race a concurrent
// opener.
func (s *Service) openSession(ctx context.Context, tx storage.Store, t tool.Tool, req access.Request, now time.Time) (access.Session, error) {
	active, err := tx.CountActiveSessions(ctx, t.ID, now)
	if err != nil {
		return access.Session{}, err
	}
	if active >= t.Permissions.MaxConcurrentSessions {
		return access.Session{}, service.NewThrottledError(t.ID, t.Permissions.MaxConcurrentSessions)
	}

	window := req.EstimatedDuration
	if max := t.Permissions.MaxSessionDuration; max > 0 && window > max {
		window = max
	}

	sess, err := tx.CreateSession(ctx, access.Session{
		RequestID:   req.ID,
		ToolID:      t.ID,
		SecretNames: req.SecretNames,
		Environment: req.Environment,
		ExpiresAt:   now.Add(window),
	})
	if err != nil {
		return access.Session{}, err
	}
	_, err = s.chain.Append(ctx, tx, auditsvc.Entry(t.ID, "session.open", sess.ID, audit.ResultSuccess,
		fmt.Sprintf("expires %s", sess.ExpiresAt.Format(time.RFC3339))))
	if err != nil {
		return access.Session{}, err
	}
	return sess, nil
}

// RevokeSession ends a session early and revokes its outstanding tokens in
// the same transaction.
func (s *Service) RevokeSession(ctx context.Context, actor, sessionID string) (access.Session, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return access.Session{}, service.RequiredError("actor")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return access.Session{}, service.RequiredError("session_id")
	}

	now := s.now().UTC()
	var sess access.Session
	var revoked int
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		current, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.EndedAt != nil {
			return service.NewTransitionError("session", sessionID, "ended", "revoke")
		}

		current.EndedAt = &now
		sess, err = tx.UpdateSession(ctx, current)
		if err != nil {
			return err
		}

		revoked, err = revokeSessionTokens(ctx, tx, sessionID, now)
		if err != nil {
			return err
		}
		detail := fmt.Sprintf("%d tokens revoked", revoked)
		_, err = s.chain.Append(ctx, tx, auditsvc.Entry(actor, "session.revoke", sessionID, audit.ResultSuccess, detail))
		return err
	})
	if err != nil {
		return access.Session{}, err
	}

	metrics.RecordSessionClosed("revoked", 1)
	metrics.RecordTokensRevoked(revoked)
	s.log.WithField("session_id", sessionID).Info("session revoked")
	return sess, nil
}

// GetRequest returns an access request by id.
func (s *Service) GetRequest(ctx context.Context, id string) (access.Request, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return access.Request{}, service.RequiredError("request_id")
	}
	return s.store.GetRequest(ctx, id)
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (access.Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return access.Session{}, service.RequiredError("session_id")
	}
	return s.store.GetSession(ctx, id)
}

// ListSessions returns the tool's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, toolID string) ([]access.Session, error) {
	toolID = strings.TrimSpace(toolID)
	if toolID == "" {
		return nil, service.RequiredError("tool_id")
	}
	return s.store.ListSessionsByTool(ctx, toolID)
}

// SweepReport summarizes one expiry pass.
type SweepReport struct {
	RequestsExpired int
	SessionsClosed  int
	TokensRevoked   int
}

// Sweep expires undecided requests past their deadline and closes sessions
// past theirs, cascading token revocation. Each artifact is handled in its
// own transaction so one failure does not stall the rest; the pass is
// idempotent and safe to run from multiple replicas.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	now := s.now().UTC()
	var report SweepReport

	pending, err := s.store.ListPendingRequests(ctx)
	if err != nil {
		return report, err
	}
	for _, req := range pending {
		if now.Before(req.ExpiresAt) {
			continue
		}
		req := req
		err := s.store.Atomic(ctx, func(tx storage.Store) error {
			current, err := tx.GetRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			if current.Terminal() {
				return nil
			}
			current.Status = access.RequestExpired
			if _, err := tx.UpdateRequest(ctx, current); err != nil {
				return err
			}
			_, err = s.chain.Append(ctx, tx, auditsvc.Entry("sweeper", "access.expire", req.ID,
				audit.ResultSuccess, "undecided past deadline"))
			return err
		})
		if err != nil {
			s.log.WithError(err).WithField("request_id", req.ID).Warn("expire access request")
			continue
		}
		report.RequestsExpired++
	}

	expired, err := s.store.ListExpiredOpenSessions(ctx, now)
	if err != nil {
		return report, err
	}
	for _, sess := range expired {
		sess := sess
		var tokens int
		err := s.store.Atomic(ctx, func(tx storage.Store) error {
			current, err := tx.GetSession(ctx, sess.ID)
			if err != nil {
				return err
			}
			if current.EndedAt != nil {
				return nil
			}
			ended := now
			current.EndedAt = &ended
			if _, err := tx.UpdateSession(ctx, current); err != nil {
				return err
			}
			tokens, err = revokeSessionTokens(ctx, tx, sess.ID, now)
			if err != nil {
				return err
			}
			_, err = s.chain.Append(ctx, tx, auditsvc.Entry("sweeper", "session.expire", sess.ID,
				audit.ResultSuccess, fmt.Sprintf("%d tokens revoked", tokens)))
			return err
		})
		if err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("close expired session")
			continue
		}
		report.SessionsClosed++
		report.TokensRevoked += tokens
	}

	metrics.RecordSessionClosed("expired", report.SessionsClosed)
	metrics.RecordTokensRevoked(report.TokensRevoked)
	return report, nil
}

// revokeSessionTokens revokes every live token of the session and reports
// how many it touched.
func revokeSessionTokens(ctx context.Context, tx storage.Store, sessionID string, now time.Time) (int, error) {
	tokens, err := tx.ListTokensBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, tok := range tokens {
		if tok.RevokedAt != nil {
			continue
		}
		at := now
		tok.RevokedAt = &at
		if _, err := tx.UpdateToken(ctx, tok); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// Describe advertises the access service for capability listings.
func Describe() service.Descriptor {
	return service.Descriptor{
		Name:         "access",
		Domain:       "access-control",
		Layer:        service.LayerControl,
		Capabilities: []string{"submit", "decide", "sessions", "sweep"},
	}
}
