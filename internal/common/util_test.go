package common

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeRandHexString(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"session secret", KeySize},
		{"odd size", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := MakeRandHexString(tt.size)
			require.NoError(t, err)
			assert.Len(t, s, tt.size*2)

			b, err := hex.DecodeString(s)
			require.NoError(t, err)
			assert.Len(t, b, tt.size)
		})
	}
}

func TestMakeRandHexString_Distinct(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		s, err := MakeRandHexString(KeySize)
		require.NoError(t, err)
		require.False(t, seen[s], "repeated secret after %d draws", i)
		seen[s] = true
	}
}

func TestGenerateRandByteArray_KeySized(t *testing.T) {
	a := GenerateRandByteArray(KeySize)
	b := GenerateRandByteArray(KeySize)
	require.Len(t, a, KeySize)
	require.Len(t, b, KeySize)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, make([]byte, KeySize), a, "key material is never all zeros")

	assert.Empty(t, GenerateRandByteArray(0))
}

func TestWipeByteArray(t *testing.T) {
	key := GenerateRandByteArray(KeySize)
	view := key[8:16]

	WipeByteArray(key)
	assert.Equal(t, make([]byte, KeySize), key)
	assert.Equal(t, make([]byte, 8), view, "slices sharing the array are wiped too")

	copied := append([]byte(nil), GenerateRandByteArray(4)...)
	orig := append([]byte(nil), copied...)
	WipeByteArray(copied[:0])
	assert.Equal(t, orig, copied, "an empty slice touches nothing")

	assert.NotPanics(t, func() { WipeByteArray(nil) })
}
