package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/access"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/token"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	auditsvc "github.com/mcpvault/broker/internal/app/services/audit"
	"github.com/mcpvault/broker/internal/app/storage/memory"
	"github.com/mcpvault/broker/pkg/logger"
)

func newTestService(t *testing.T) (*Service, *memory.Memory) {
	t.Helper()
	store := memory.New()
	chain, err := auditsvc.NewChain([]byte("audit-signing-key"), logger.NewDefault("test"))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return New(store, chain, logger.NewDefault("test")), store
}

func seedTool(t *testing.T, store *memory.Memory, risk tool.RiskLevel, autoApprove bool, maxSessions int, maxDuration time.Duration) tool.Tool {
	t.Helper()
	created, err := store.CreateTool(context.Background(), tool.Tool{
		OwnerOrg: "acme",
		Permissions: tool.Permissions{
			SecretNames:           []string{"db-main", "stripe-key"},
			Environments:          []secret.Environment{secret.EnvDev, secret.EnvProd},
			MaxConcurrentSessions: maxSessions,
			MaxSessionDuration:    maxDuration,
		},
		AutoApprove: autoApprove,
		Risk:        risk,
		Status:      tool.StatusActive,
	})
	if err != nil {
		t.Fatalf("seed tool: %v", err)
	}
	return created
}

func submitInput(toolID string) SubmitInput {
	return SubmitInput{
		ToolID:            toolID,
		SecretNames:       []string{"db-main"},
		Environment:       secret.EnvDev,
		Justification:     "nightly batch import",
		EstimatedDuration: 300 * time.Second,
	}
}

func TestSubmitAutoApproveOpensSession(t *testing.T) {
	svc, store := newTestService(t)
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)

	start := time.Now().UTC()
	req, sess, err := svc.Submit(context.Background(), submitInput(lowRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != access.RequestApproved {
		t.Fatalf("status = %s, want approved", req.Status)
	}
	if req.DecidedBy != PolicyActor {
		t.Fatalf("decided by = %q, want policy", req.DecidedBy)
	}
	if sess == nil {
		t.Fatal("no session opened")
	}
	want := start.Add(300 * time.Second)
	if sess.ExpiresAt.Before(want.Add(-5*time.Second)) || sess.ExpiresAt.After(want.Add(5*time.Second)) {
		t.Fatalf("session expiry %s not near %s", sess.ExpiresAt, want)
	}
}

func TestSubmitClampsSessionToToolCeiling(t *testing.T) {
	svc, store := newTestService(t)
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, 10*time.Minute)

	in := submitInput(lowRisk.ID)
	in.EstimatedDuration = 4 * time.Hour
	req, sess, err := svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sess == nil {
		t.Fatal("no session opened")
	}
	if got := sess.ExpiresAt.Sub(req.CreatedAt); got > 10*time.Minute+5*time.Second {
		t.Fatalf("session window %s exceeds tool ceiling", got)
	}
}

func TestSubmitHighRiskStaysPending(t *testing.T) {
	svc, store := newTestService(t)
	highRisk := seedTool(t, store, tool.RiskHigh, true, 2, time.Hour)

	req, sess, err := svc.Submit(context.Background(), submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if req.Status != access.RequestPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if sess != nil {
		t.Fatal("session opened without approval")
	}
}

func TestSubmitOutOfScopeDenied(t *testing.T) {
	svc, store := newTestService(t)
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)

	in := submitInput(lowRisk.ID)
	in.SecretNames = []string{"payroll-db"}
	req, sess, err := svc.Submit(context.Background(), in)
	if !service.IsForbidden(err) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if sess != nil {
		t.Fatal("session opened for denied request")
	}
	// The denied request is kept for the record.
	stored, getErr := svc.GetRequest(context.Background(), req.ID)
	if getErr != nil {
		t.Fatalf("get request: %v", getErr)
	}
	if stored.Status != access.RequestDenied {
		t.Fatalf("stored status = %s, want denied", stored.Status)
	}
}

func TestSubmitSuspendedToolDenied(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	suspended := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)
	suspended.Status = tool.StatusSuspended
	if _, err := store.UpdateTool(ctx, suspended); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	if _, _, err := svc.Submit(ctx, submitInput(suspended.ID)); !service.IsForbidden(err) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestDecideApproveAndDeny(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	highRisk := seedTool(t, store, tool.RiskHigh, false, 2, time.Hour)

	pending, _, err := svc.Submit(ctx, submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	denied, sess, err := svc.Decide(ctx, "carol", pending.ID, false, "not during freeze")
	if err != nil {
		t.Fatalf("decide deny: %v", err)
	}
	if denied.Status != access.RequestDenied || sess != nil {
		t.Fatalf("deny outcome: %+v session=%v", denied, sess)
	}

	// Terminal requests cannot be re-decided.
	if _, _, err := svc.Decide(ctx, "carol", pending.ID, true, ""); !service.IsInvalidTransition(err) {
		t.Fatalf("re-decide err = %v, want transition error", err)
	}

	second, _, err := svc.Submit(ctx, submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	approved, sess, err := svc.Decide(ctx, "carol", second.ID, true, "")
	if err != nil {
		t.Fatalf("decide approve: %v", err)
	}
	if approved.Status != access.RequestApproved || sess == nil {
		t.Fatalf("approve outcome: %+v session=%v", approved, sess)
	}
	if approved.DecidedBy != "carol" {
		t.Fatalf("decided by = %q", approved.DecidedBy)
	}
}

func TestDecideExpiredRequest(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	highRisk := seedTool(t, store, tool.RiskHigh, false, 2, time.Hour)

	pending, _, err := svc.Submit(ctx, submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	svc.now = func() time.Time { return pending.ExpiresAt.Add(time.Minute) }
	_, _, err = svc.Decide(ctx, "carol", pending.ID, true, "")
	if !service.IsExpired(err) {
		t.Fatalf("err = %v, want expired", err)
	}

	stored, err := svc.GetRequest(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if stored.Status != access.RequestExpired {
		t.Fatalf("status = %s, want expired", stored.Status)
	}
}

func TestConcurrencyCeilingThrottles(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	lowRisk := seedTool(t, store, tool.RiskLow, true, 1, time.Hour)

	_, first, err := svc.Submit(ctx, submitInput(lowRisk.ID))
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if first == nil {
		t.Fatal("no session")
	}

	if _, _, err := svc.Submit(ctx, submitInput(lowRisk.ID)); !service.IsThrottled(err) {
		t.Fatalf("err = %v, want throttled", err)
	}

	// Ending the session frees the slot.
	if _, err := svc.RevokeSession(ctx, "carol", first.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, _, err := svc.Submit(ctx, submitInput(lowRisk.ID)); err != nil {
		t.Fatalf("submit after revoke: %v", err)
	}
}

func TestConcurrentOpenersRespectCeiling(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	lowRisk := seedTool(t, store, tool.RiskLow, true, 3, time.Hour)

	const attempts = 10
	type outcome struct {
		sess *access.Session
		err  error
	}
	results := make(chan outcome, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, sess, err := svc.Submit(ctx, submitInput(lowRisk.ID))
			results <- outcome{sess: sess, err: err}
		}()
	}

	opened, throttled := 0, 0
	for i := 0; i < attempts; i++ {
		res := <-results
		switch {
		case res.err == nil && res.sess != nil:
			opened++
		case service.IsThrottled(res.err):
			throttled++
		default:
			t.Fatalf("unexpected outcome: sess=%v err=%v", res.sess, res.err)
		}
	}
	if opened != 3 || throttled != attempts-3 {
		t.Fatalf("opened=%d throttled=%d, want 3/%d", opened, throttled, attempts-3)
	}
}

func TestRevokeSessionCascadesTokens(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)

	_, sess, err := svc.Submit(ctx, submitInput(lowRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	tok, err := store.CreateToken(ctx, token.Token{
		SessionID:  sess.ID,
		SecretName: "db-main",
		ProxyHash:  "deadbeef",
		ExpiresAt:  sess.ExpiresAt,
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	revoked, err := svc.RevokeSession(ctx, "carol", sess.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.EndedAt == nil {
		t.Fatal("ended_at not set")
	}

	stored, err := store.GetToken(ctx, tok.ID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if stored.RevokedAt == nil {
		t.Fatal("token not revoked with its session")
	}

	if _, err := svc.RevokeSession(ctx, "carol", sess.ID); !service.IsInvalidTransition(err) {
		t.Fatalf("double revoke err = %v, want transition error", err)
	}
}

func TestSweepExpiresRequestsAndSessions(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	highRisk := seedTool(t, store, tool.RiskHigh, false, 2, time.Hour)
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)

	pending, _, err := svc.Submit(ctx, submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit pending: %v", err)
	}
	_, sess, err := svc.Submit(ctx, submitInput(lowRisk.ID))
	if err != nil {
		t.Fatalf("submit approved: %v", err)
	}
	if _, err := store.CreateToken(ctx, token.Token{
		SessionID:  sess.ID,
		SecretName: "db-main",
		ProxyHash:  "cafebabe",
		ExpiresAt:  sess.ExpiresAt,
	}); err != nil {
		t.Fatalf("create token: %v", err)
	}

	svc.now = func() time.Time { return pending.ExpiresAt.Add(time.Hour) }
	report, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.RequestsExpired != 1 || report.SessionsClosed != 1 || report.TokensRevoked != 1 {
		t.Fatalf("report = %+v", report)
	}

	expiredReq, err := svc.GetRequest(ctx, pending.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if expiredReq.Status != access.RequestExpired {
		t.Fatalf("request status = %s", expiredReq.Status)
	}
	closed, err := svc.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if closed.EndedAt == nil {
		t.Fatal("session not closed")
	}

	// A second pass finds nothing to do.
	again, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.RequestsExpired != 0 || again.SessionsClosed != 0 {
		t.Fatalf("second report = %+v", again)
	}
}

type captureNotifier struct {
	requests []access.Request
	err      error
}

func (n *captureNotifier) Notify(ctx context.Context, req access.Request) error {
	n.requests = append(n.requests, req)
	return n.err
}

func TestSubmitNotifiesPendingRequests(t *testing.T) {
	svc, store := newTestService(t)
	notifier := &captureNotifier{}
	svc.WithNotifier(notifier)

	highRisk := seedTool(t, store, tool.RiskHigh, true, 2, time.Hour)
	req, _, err := svc.Submit(context.Background(), submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(notifier.requests) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notifier.requests))
	}
	if notifier.requests[0].ID != req.ID {
		t.Fatalf("notified request %s, want %s", notifier.requests[0].ID, req.ID)
	}

	// decided requests make no noise
	lowRisk := seedTool(t, store, tool.RiskLow, true, 2, time.Hour)
	if _, _, err := svc.Submit(context.Background(), submitInput(lowRisk.ID)); err != nil {
		t.Fatalf("submit auto-approve: %v", err)
	}
	if len(notifier.requests) != 1 {
		t.Fatalf("auto-approved submit must not notify, got %d", len(notifier.requests))
	}
}

func TestSubmitSurvivesNotifierFailure(t *testing.T) {
	svc, store := newTestService(t)
	svc.WithNotifier(&captureNotifier{err: errors.New("webhook down")})

	highRisk := seedTool(t, store, tool.RiskHigh, true, 2, time.Hour)
	req, _, err := svc.Submit(context.Background(), submitInput(highRisk.ID))
	if err != nil {
		t.Fatalf("submit must not fail on notifier error: %v", err)
	}
	if req.Status != access.RequestPending {
		t.Fatalf("status = %s", req.Status)
	}
}
