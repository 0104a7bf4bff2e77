package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/resilience"
)

type mockStore struct {
	counts   map[model.Status]int
	total    int
	embedded int
	dlqCount int
	countErr error
	catErr   error
	dlqErr   error
}

func (m *mockStore) CountLineItemsByStatus(context.Context) (map[model.Status]int, error) {
	if m.countErr != nil {
		return nil, m.countErr
	}
	return m.counts, nil
}

func (m *mockStore) CountCatalogueItems(context.Context) (int, int, error) {
	return m.total, m.embedded, m.catErr
}

func (m *mockStore) CountDLQ(context.Context) (int, error) {
	return m.dlqCount, m.dlqErr
}

type fixedBreakers map[string]resilience.CircuitState

func (f fixedBreakers) States() map[string]resilience.CircuitState { return f }

func TestCollector_Collect(t *testing.T) {
	st := &mockStore{
		counts: map[model.Status]int{
			model.StatusMatched:             14,
			model.StatusQSReview:            4,
			model.StatusUnmatched:           2,
			model.StatusRefined:             3,
			model.StatusCandidatesRetrieved: 1,
		},
		total:    300,
		embedded: 290,
		dlqCount: 3,
	}
	breakers := fixedBreakers{
		"embedding": resilience.CircuitOpen,
		"anthropic": resilience.CircuitClosed,
	}

	snap, err := NewCollector(st, breakers).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 24, snap.LineItems)
	assert.Equal(t, 14, snap.Matched)
	assert.Equal(t, 4, snap.QSReview)
	assert.Equal(t, 2, snap.Unmatched)
	assert.Equal(t, 4, snap.InFlight)
	assert.Equal(t, 20, snap.Finished())
	assert.InDelta(t, 0.2, snap.ReviewRate, 1e-9)
	assert.InDelta(t, 0.1, snap.UnmatchedRate, 1e-9)
	assert.Equal(t, 300, snap.CatalogueTotal)
	assert.Equal(t, 290, snap.CatalogueEmbedded)
	assert.Equal(t, 3, snap.DLQDepth)
	assert.Equal(t, "open", snap.Breakers["embedding"])
	assert.Equal(t, "closed", snap.Breakers["anthropic"])
	assert.Equal(t, []string{"embedding"}, snap.OpenBreakers)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_EmptyStore(t *testing.T) {
	snap, err := NewCollector(&mockStore{}, nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.ReviewRate)
	assert.Zero(t, snap.UnmatchedRate)
	assert.Nil(t, snap.Breakers)
}

func TestCollector_StoreErrors(t *testing.T) {
	_, err := NewCollector(&mockStore{countErr: errors.New("db down")}, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count line items")

	_, err = NewCollector(&mockStore{catErr: errors.New("db down")}, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count catalogue")

	_, err = NewCollector(&mockStore{dlqErr: errors.New("db down")}, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count dlq")
}

func TestCollector_ServiceBreakers(t *testing.T) {
	sb := resilience.NewServiceBreakers(resilience.CircuitBreakerConfig{FailureThreshold: 1})
	cb := sb.Get("anthropic")
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })

	snap, err := NewCollector(&mockStore{}, sb).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic"}, snap.OpenBreakers)
}
