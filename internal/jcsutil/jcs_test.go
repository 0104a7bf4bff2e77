package jcsutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	out, err := Canonicalize([]byte(`{"b": 2, "a": [1, 2.50, "x"]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2.5,"x"],"b":2}`, string(out))
}

func TestDigest(t *testing.T) {
	t.Parallel()

	a, err := Digest([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Digest([]byte(`{ "a": 1, "b": 2 }`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	_, err = Digest([]byte(`{not json`))
	assert.Error(t, err)
}
