package creds

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Length(t *testing.T) {
	for _, length := range []int{1, 16, 32, 64} {
		pw, err := Generate(length)
		require.NoError(t, err)
		assert.Len(t, pw, length)
	}
}

func TestGenerate_AlphabetOnly(t *testing.T) {
	pw, err := Generate(256)
	require.NoError(t, err)

	for _, r := range pw {
		assert.Contains(t, alphabet, string(r))
	}

	// The characters that motivated the restricted alphabet.
	assert.NotContains(t, pw, "'")
	assert.NotContains(t, pw, `"`)
	assert.NotContains(t, pw, `\`)
	assert.NotContains(t, pw, "$")
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		pw, err := Generate(DefaultLength)
		require.NoError(t, err)
		assert.False(t, seen[pw], "duplicate password generated")
		seen[pw] = true
	}
}

func TestGenerate_InvalidLength(t *testing.T) {
	_, err := Generate(0)
	assert.ErrorIs(t, err, ErrInvalidLength)

	_, err = Generate(-5)
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestGenerate_UsesFullAlphabet(t *testing.T) {
	// A few kilobytes of output should hit every alphabet class.
	var b strings.Builder
	for i := 0; i < 64; i++ {
		pw, err := Generate(DefaultLength)
		require.NoError(t, err)
		b.WriteString(pw)
	}
	all := b.String()

	assert.True(t, strings.ContainsAny(all, "abcdefghijklmnopqrstuvwxyz"))
	assert.True(t, strings.ContainsAny(all, "ABCDEFGHIJKLMNOPQRSTUVWXYZ"))
	assert.True(t, strings.ContainsAny(all, "0123456789"))
}
