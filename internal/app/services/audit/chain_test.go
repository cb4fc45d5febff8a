package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/mcpvault/broker/internal/app/core/service"
	domain "github.com/mcpvault/broker/internal/app/domain/audit"
)

// sliceStore is a tamperable audit store so tests can corrupt history.
type sliceStore struct {
	entries []domain.Entry
}

func (s *sliceStore) AppendAudit(_ context.Context, entry domain.Entry) (domain.Entry, error) {
	if entry.Position != int64(len(s.entries))+1 {
		return domain.Entry{}, service.NewConflictError("audit entry", "", "position does not extend the chain")
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *sliceStore) LastAudit(_ context.Context) (domain.Entry, bool, error) {
	if len(s.entries) == 0 {
		return domain.Entry{}, false, nil
	}
	return s.entries[len(s.entries)-1], true, nil
}

func (s *sliceStore) ListAudit(_ context.Context, fromPosition int64, limit int) ([]domain.Entry, error) {
	var out []domain.Entry
	for _, entry := range s.entries {
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

func newTestChain(t *testing.T) *Chain {
	t.Helper()
	chain, err := NewChain([]byte("audit-signing-key-0123456789"), nil)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return chain
}

func appendN(t *testing.T, chain *Chain, store *sliceStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		entry := Entry("tool-1", "secret.read", fmt.Sprintf("secret-%d", i), domain.ResultSuccess, "")
		if _, err := chain.Append(context.Background(), store, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
}

func TestVerifyIntactChain(t *testing.T) {
	chain := newTestChain(t)
	store := &sliceStore{}
	appendN(t, chain, store, 25)

	pos, err := chain.Verify(context.Background(), store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if pos != 0 {
		t.Fatalf("intact chain reported bad position %d", pos)
	}
}

func TestVerifyDetectsCorruptedEntry(t *testing.T) {
	for _, k := range []int{0, 7, 24} {
		chain := newTestChain(t)
		store := &sliceStore{}
		appendN(t, chain, store, 25)

		store.entries[k].Detail = "edited after the fact"

		pos, err := chain.Verify(context.Background(), store)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if pos != int64(k)+1 {
			t.Fatalf("corrupted entry at position %d reported as %d", k+1, pos)
		}
	}
}

func TestVerifyDetectsResignedEntry(t *testing.T) {
	chain := newTestChain(t)
	store := &sliceStore{}
	appendN(t, chain, store, 10)

	// An attacker who edits entry 5 and recomputes its signature without the
	// key still breaks the chain at position 5.
	store.entries[4].Actor = "someone-else"
	store.entries[4].Signature = []byte("forged")

	pos, err := chain.Verify(context.Background(), store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if pos != 5 {
		t.Fatalf("expected position 5, got %d", pos)
	}
}

func TestVerifyDetectsGap(t *testing.T) {
	chain := newTestChain(t)
	store := &sliceStore{}
	appendN(t, chain, store, 10)

	// Drop entry 4; verification must flag the missing position.
	store.entries = append(store.entries[:3], store.entries[4:]...)

	pos, err := chain.Verify(context.Background(), store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if pos != 4 {
		t.Fatalf("expected position 4, got %d", pos)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	chain := newTestChain(t)
	store := &sliceStore{}

	pos, err := chain.Verify(context.Background(), store)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if pos != 0 {
		t.Fatalf("empty chain reported bad position %d", pos)
	}
}

func TestAppendRejectsStalePosition(t *testing.T) {
	chain := newTestChain(t)
	store := &sliceStore{}
	appendN(t, chain, store, 3)

	// Simulate a raced append: the store already moved past the head the
	// chain read. The store rejects the stale position.
	stale := Entry("tool-1", "secret.read", "secret-x", domain.ResultSuccess, "")
	stale.Position = 2
	stale.Signature = []byte("sig")
	if _, err := store.AppendAudit(context.Background(), stale); !service.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
