package embedding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider_EmbedIsDeterministic(t *testing.T) {
	p := NewLocalProvider(32)
	v1, err := p.Embed(context.Background(), "the singleton pattern")
	require.NoError(t, err)
	v2, err := p.Embed(context.Background(), "the singleton pattern")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 32)
}

func TestLocalProvider_EmbedEmptyTextReturnsZeroVector(t *testing.T) {
	p := NewLocalProvider(16)
	v, err := p.Embed(context.Background(), "")
	require.NoError(t, err)
	for _, f := range v {
		assert.Zero(t, f)
	}
}

func TestLocalProvider_DefaultsDimsWhenNonPositive(t *testing.T) {
	p := NewLocalProvider(0)
	assert.Equal(t, 256, p.Dimensions())
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	p := NewLocalProvider(32)
	v, err := p.Embed(context.Background(), "factory method")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-9)
}

func TestCosineSimilarity_MismatchedLengthsReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
}

func TestEncodeDecodeVector_RoundTrips(t *testing.T) {
	v := []float32{0.5, -1.25, 3.0, 0}
	assert.Equal(t, v, DecodeVector(EncodeVector(v)))
}

func TestLocalProvider_EmbedBatchMatchesIndividualEmbed(t *testing.T) {
	p := NewLocalProvider(16)
	texts := []string{"abc", "def"}
	batch, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	for i, text := range texts {
		single, err := p.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Equal(t, single, batch[i])
	}
}
