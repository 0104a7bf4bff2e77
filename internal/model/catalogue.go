package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CatalogueItem is one priced SPONS reference entry.
type CatalogueItem struct {
	ItemCode    string          `json:"item_code"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Trade       Trade           `json:"trade"`
	Book        string          `json:"book,omitempty"`
	Section     string          `json:"section,omitempty"`
	Rate        decimal.Decimal `json:"rate"`
	Tags        []string        `json:"tags,omitempty"`
	Embedding   []float32       `json:"-"`
	ContentHash string          `json:"content_hash,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at,omitempty"`
}

// EmbeddingText is the text embedded for catalogue retrieval. It must stay in
// step with Observation.DescriptiveText so both sides share a vector space.
func (c CatalogueItem) EmbeddingText() string {
	parts := []string{c.Description, string(c.Trade), c.Unit}
	if len(c.Tags) > 0 {
		parts = append(parts, strings.Join(c.Tags, ", "))
	}
	return strings.Join(nonEmpty(parts), " | ")
}

// ComputeContentHash hashes the fields that feed the embedding. A changed
// hash means the stored embedding is stale.
func (c CatalogueItem) ComputeContentHash() string {
	h := sha256.Sum256([]byte(c.EmbeddingText()))
	return hex.EncodeToString(h[:])
}

// HasEmbedding reports whether the row is eligible for retrieval.
func (c CatalogueItem) HasEmbedding() bool {
	return len(c.Embedding) > 0
}
