package anthropic

import (
	"context"

	"github.com/rotisserie/eris"
)

// BuildCachedSystemBlocks returns text as a single system block with a
// one-hour cache breakpoint, so a primer call can warm the cache for a batch.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}

// PrimerRequest sends one request ahead of a batch to populate the cache.
func PrimerRequest(ctx context.Context, client Client, req MessageRequest) (*MessageResponse, error) {
	resp, err := client.CreateMessage(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "anthropic: primer request")
	}
	return resp, nil
}
