package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/spons-match/internal/jcsutil"
)

// LineItem is the mutable projection of one observation destined for export.
type LineItem struct {
	ID               string              `json:"id"`
	ProjectID        string              `json:"project_id"`
	TranscriptID     string              `json:"transcript_id"`
	DedupKey         string              `json:"dedup_key"`
	Observation      Observation         `json:"observation"`
	Refined          *RefinedObservation `json:"refined,omitempty"`
	Status           Status              `json:"status"`
	SelectedItemCode string              `json:"selected_item_code,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// LineItemFilter narrows ListLineItems.
type LineItemFilter struct {
	ProjectID    string
	TranscriptID string
	Status       Status
	Limit        int
	Offset       int
}

// DedupKey derives the idempotency key for an observation. Fields are case
// and whitespace folded, canonicalized with JCS and hashed, so re-splitting
// the same transcript for the same project yields the same keys.
func DedupKey(projectID string, obs Observation, transcript string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"project":    fold(projectID),
		"asset_type": fold(obs.AssetType),
		"location":   fold(obs.Location),
		"issue":      fold(obs.Issue),
		"transcript": fold(transcript),
	})
	if err != nil {
		return "", eris.Wrap(err, "model: marshal dedup tuple")
	}
	digest, err := jcsutil.Digest(raw)
	if err != nil {
		return "", eris.Wrap(err, "model: dedup digest")
	}
	return digest, nil
}

// TranscriptID derives a stable identifier for a transcript within a project.
func TranscriptID(projectID, transcript string) (string, error) {
	raw, err := json.Marshal(map[string]string{
		"project":    fold(projectID),
		"transcript": fold(transcript),
	})
	if err != nil {
		return "", eris.Wrap(err, "model: marshal transcript id")
	}
	digest, err := jcsutil.Digest(raw)
	if err != nil {
		return "", eris.Wrap(err, "model: transcript digest")
	}
	return digest[:16], nil
}

func fold(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
