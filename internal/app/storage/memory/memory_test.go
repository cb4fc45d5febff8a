package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/domain/secret"
	"github.com/mcpvault/broker/internal/app/domain/tool"
	"github.com/mcpvault/broker/internal/app/storage"
)

func testSecret(name string) secret.Secret {
	return secret.Secret{
		Name:        name,
		Type:        secret.TypeAPIKey,
		Owner:       "acme",
		Environment: secret.EnvDev,
		Value:       secret.Encrypted{Ciphertext: []byte{1, 2, 3}, IV: []byte{4, 5, 6}, KeyVersion: "v1"},
	}
}

func TestAtomicRollback(t *testing.T) {
	store := New()
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(tx storage.Store) error {
		if _, err := tx.CreateSecret(ctx, testSecret("db-main")); err != nil {
			t.Fatalf("create inside tx: %v", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	if _, err := store.GetSecretByName(ctx, "acme", secret.EnvDev, "db-main"); !service.IsNotFound(err) {
		t.Fatalf("rolled-back secret must not exist, got %v", err)
	}
}

func TestAtomicCommit(t *testing.T) {
	store := New()
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx storage.Store) error {
		created, err := tx.CreateSecret(ctx, testSecret("db-main"))
		if err != nil {
			return err
		}
		// writes are visible within the transaction
		if _, err := tx.GetSecret(ctx, created.ID); err != nil {
			return err
		}
		_, err = tx.AppendAudit(ctx, audit.Entry{
			Position:  1,
			Actor:     "acme",
			Action:    "secret.create",
			Target:    created.ID,
			Result:    audit.ResultSuccess,
			Signature: []byte("sig"),
			Timestamp: time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("atomic: %v", err)
	}

	if _, err := store.GetSecretByName(ctx, "acme", secret.EnvDev, "db-main"); err != nil {
		t.Fatalf("committed secret missing: %v", err)
	}
	last, ok, err := store.LastAudit(ctx)
	if err != nil || !ok {
		t.Fatalf("last audit: ok=%v err=%v", ok, err)
	}
	if last.Position != 1 {
		t.Fatalf("audit position = %d", last.Position)
	}
}

func TestCreateSecretNameConflict(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.CreateSecret(ctx, testSecret("db-main")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateSecret(ctx, testSecret("db-main")); !service.IsConflict(err) {
		t.Fatalf("duplicate name must conflict, got %v", err)
	}

	// same name under another owner or environment is fine
	other := testSecret("db-main")
	other.Owner = "globex"
	if _, err := store.CreateSecret(ctx, other); err != nil {
		t.Fatalf("other owner: %v", err)
	}
	staging := testSecret("db-main")
	staging.Environment = secret.EnvStaging
	if _, err := store.CreateSecret(ctx, staging); err != nil {
		t.Fatalf("other environment: %v", err)
	}
}

func TestUpdateSecretPreservesIdentity(t *testing.T) {
	store := New()
	ctx := context.Background()

	created, err := store.CreateSecret(ctx, testSecret("db-main"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("new secret version = %d", created.Version)
	}

	mutated := created
	mutated.Owner = "mallory"
	mutated.Name = "stolen"
	mutated.Value = secret.Encrypted{Ciphertext: []byte{9}, IV: []byte{9}, KeyVersion: "v1"}
	updated, err := store.UpdateSecret(ctx, mutated)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Owner != "acme" || updated.Name != "db-main" {
		t.Fatalf("identity fields must be immutable, got %s/%s", updated.Owner, updated.Name)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d", updated.Version)
	}
}

func TestAppendAuditEnforcesChainOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	entry := audit.Entry{
		Position:  1,
		Actor:     "acme",
		Action:    "secret.create",
		Target:    "id",
		Result:    audit.ResultSuccess,
		Signature: []byte("sig"),
		Timestamp: time.Now().UTC(),
	}
	if _, err := store.AppendAudit(ctx, entry); err != nil {
		t.Fatalf("append: %v", err)
	}

	gap := entry
	gap.Position = 5
	if _, err := store.AppendAudit(ctx, gap); !service.IsConflict(err) {
		t.Fatalf("gapped append must conflict, got %v", err)
	}
	dup := entry
	if _, err := store.AppendAudit(ctx, dup); !service.IsConflict(err) {
		t.Fatalf("replayed position must conflict, got %v", err)
	}
}

func TestAtomicSerialisesWriters(t *testing.T) {
	store := New()
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Atomic(ctx, func(tx storage.Store) error {
				last, ok, err := tx.LastAudit(ctx)
				if err != nil {
					return err
				}
				next := int64(1)
				if ok {
					next = last.Position + 1
				}
				_, err = tx.AppendAudit(ctx, audit.Entry{
					Position:  next,
					Actor:     "writer",
					Action:    "secret.create",
					Target:    "id",
					Result:    audit.ResultSuccess,
					Signature: []byte("sig"),
					Timestamp: time.Now().UTC(),
				})
				return err
			})
		}()
	}
	wg.Wait()

	last, ok, err := store.LastAudit(ctx)
	if err != nil || !ok {
		t.Fatalf("last audit: ok=%v err=%v", ok, err)
	}
	if last.Position != writers {
		t.Fatalf("expected %d chained entries, got %d", writers, last.Position)
	}
}

func TestCreateToolAssignsID(t *testing.T) {
	store := New()
	ctx := context.Background()

	first, err := store.CreateTool(ctx, tool.Tool{OwnerOrg: "acme", Risk: tool.RiskLow, Status: tool.StatusActive})
	if err != nil {
		t.Fatalf("create tool: %v", err)
	}
	if first.ID == "" {
		t.Fatal("expected generated tool id")
	}

	second, err := store.CreateTool(ctx, tool.Tool{OwnerOrg: "acme", Risk: tool.RiskLow, Status: tool.StatusActive})
	if err != nil {
		t.Fatalf("create second tool: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("expected distinct ids, both %q", first.ID)
	}
}
