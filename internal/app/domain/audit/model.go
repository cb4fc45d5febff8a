package audit

import "time"

// Result records whether the audited operation succeeded.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Entry is one append-only audit record. Position is assigned at append time
// and is strictly increasing; Signature chains the entry to its predecessor
// so any post-hoc edit or gap is detectable.
type Entry struct {
	Position  int64
	Actor     string
	Action    string
	Target    string
	Result    Result
	Detail    string
	Signature []byte
	Timestamp time.Time
}
