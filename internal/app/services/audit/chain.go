package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"strconv"
	"time"

	"github.com/mcpvault/broker/internal/app/core/service"
	"github.com/mcpvault/broker/internal/app/domain/audit"
	"github.com/mcpvault/broker/internal/app/metrics"
	"github.com/mcpvault/broker/internal/app/storage"
	"github.com/mcpvault/broker/pkg/logger"
)

// Chain signs and verifies the append-only audit log. Each entry's signature
// is an HMAC-SHA256 over the entry's canonical fields concatenated with the
// previous entry's signature, so editing any row or cutting a gap breaks
// verification at exactly that position.
type Chain struct {
	key []byte
	log *logger.Logger
}

// NewChain creates a chain signer with the given audit signing key.
func NewChain(key []byte, log *logger.Logger) (*Chain, error) {
	if len(key) < 16 {
		return nil, service.NewValidationError("audit_key", "must be at least 16 bytes")
	}
	if log == nil {
		log = logger.NewDefault("audit")
	}
	owned := make([]byte, len(key))
	copy(owned, key)
	return &Chain{key: owned, log: log}, nil
}

// Entry is a convenience constructor for chain appends.
func Entry(actor, action, target string, result audit.Result, detail string) audit.Entry {
	return audit.Entry{
		Actor:  actor,
		Action: action,
		Target: target,
		Result: result,
		Detail: detail,
	}
}

// Append signs the entry against the current chain head and persists it.
// Callers invoke it inside the same Atomic scope as the mutation it records:
// if the append fails, the whole operation rolls back.
func (c *Chain) Append(ctx context.Context, store storage.AuditStore, entry audit.Entry) (audit.Entry, error) {
	prev, ok, err := store.LastAudit(ctx)
	if err != nil {
		return audit.Entry{}, err
	}

	entry.Position = 1
	var prevSig []byte
	if ok {
		entry.Position = prev.Position + 1
		prevSig = prev.Signature
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	// Postgres stores microsecond precision; sign what will round-trip.
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	entry.Signature = c.sign(entry, prevSig)

	appended, err := store.AppendAudit(ctx, entry)
	if err != nil {
		return audit.Entry{}, err
	}
	metrics.RecordAuditAppend()
	return appended, nil
}

// Verify walks the whole chain recomputing signatures. It returns the
// position of the first entry that fails verification, or 0 when the chain
// is intact.
func (c *Chain) Verify(ctx context.Context, store storage.AuditStore) (int64, error) {
	const pageSize = 500

	var (
		prevSig  []byte
		expected int64 = 1
		from     int64 = 0
	)
	for {
		entries, err := store.ListAudit(ctx, from, pageSize)
		if err != nil {
			return 0, err
		}
		if len(entries) == 0 {
			return 0, nil
		}
		for _, entry := range entries {
			if entry.Position != expected {
				// A gap means the entry that used to hold this position is
				// gone; report the missing position.
				return expected, nil
			}
			if !hmac.Equal(entry.Signature, c.sign(entry, prevSig)) {
				return entry.Position, nil
			}
			prevSig = entry.Signature
			expected++
		}
		from = entries[len(entries)-1].Position + 1
	}
}

func (c *Chain) sign(entry audit.Entry, prevSignature []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	writeField(mac, strconv.FormatInt(entry.Position, 10))
	writeField(mac, entry.Actor)
	writeField(mac, entry.Action)
	writeField(mac, entry.Target)
	writeField(mac, string(entry.Result))
	writeField(mac, entry.Detail)
	writeField(mac, entry.Timestamp.UTC().Format(time.RFC3339Nano))
	mac.Write(prevSignature)
	return mac.Sum(nil)
}

func writeField(mac interface{ Write(p []byte) (int, error) }, field string) {
	// Unit separator keeps field boundaries unambiguous.
	mac.Write([]byte(field))
	mac.Write([]byte{0x1f})
}
