package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/jcsutil"
)

// AuditEvent names a decision point recorded in the append-only audit log.
type AuditEvent string

const (
	EventCandidatesRetrieved AuditEvent = "candidates_retrieved"
	EventSelected            AuditEvent = "selected"
	EventFlagged             AuditEvent = "flagged"
	EventClarificationAsked  AuditEvent = "clarification_asked"
	EventOverridden          AuditEvent = "overridden"
	EventUnmatched           AuditEvent = "unmatched"
	EventVerificationFailed  AuditEvent = "verification_failed"
	EventInvalidSelection    AuditEvent = "invalid_selection"
	EventReprocessed         AuditEvent = "reprocessed"
)

// AuditEntry is one immutable audit log record.
type AuditEntry struct {
	ID         string         `json:"id"`
	LineItemID string         `json:"line_item_id"`
	Event      AuditEvent     `json:"event"`
	Actor      string         `json:"actor"`
	Payload    map[string]any `json:"payload"`
	Digest     string         `json:"digest"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Seal computes the entry's digest: the RFC 8785 canonical SHA-256 of the
// payload.
func (a *AuditEntry) Seal() error {
	if a.Payload == nil {
		a.Payload = map[string]any{}
	}
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return eris.Wrap(err, "model: marshal audit payload")
	}
	digest, err := jcsutil.Digest(raw)
	if err != nil {
		return eris.Wrap(err, "model: audit digest")
	}
	a.Digest = digest
	return nil
}

// VerifyDigest recomputes the digest and compares it with the stored one.
func (a AuditEntry) VerifyDigest() (bool, error) {
	stored := a.Digest
	if err := a.Seal(); err != nil {
		return false, err
	}
	return stored == a.Digest, nil
}
