package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_SortsKeys(t *testing.T) {
	a, err := Marshal(map[string]interface{}{"b": 1, "a": "x<y"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x<y","b":1}`, string(a))
}

func TestHash_StableAcrossFieldOrder(t *testing.T) {
	type left struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	type right struct {
		B int    `json:"b"`
		A string `json:"a"`
	}

	h1, err := Hash(left{A: "capital", B: 8})
	require.NoError(t, err)
	h2, err := Hash(right{B: 8, A: "capital"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
