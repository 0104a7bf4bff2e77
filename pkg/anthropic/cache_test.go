package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestBuildCachedSystemBlocks(t *testing.T) {
	t.Parallel()

	blocks := BuildCachedSystemBlocks("You match SPONS items.")
	require.Len(t, blocks, 1)
	assert.Equal(t, "You match SPONS items.", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestPrimerRequest(t *testing.T) {
	t.Parallel()

	req := MessageRequest{Model: testModel, MaxTokens: 8, System: BuildCachedSystemBlocks("p")}

	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, req).Return(&MessageResponse{ID: "warm"}, nil).Once()
	resp, err := PrimerRequest(context.Background(), mc, req)
	require.NoError(t, err)
	assert.Equal(t, "warm", resp.ID)

	failing := new(mockClient)
	failing.On("CreateMessage", mock.Anything, req).Return(nil, errors.New("down"))
	_, err = PrimerRequest(context.Background(), failing, req)
	assert.ErrorContains(t, err, "anthropic: primer request")
}
