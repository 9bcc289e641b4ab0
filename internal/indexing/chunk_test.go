package indexing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkContent_ShortContentReturnsSingleChunk(t *testing.T) {
	chunks := ChunkContent("a short recipe body", 1500)
	assert.Equal(t, []string{"a short recipe body"}, chunks)
}

func TestChunkContent_EmptyContentReturnsNil(t *testing.T) {
	assert.Nil(t, ChunkContent("   ", 1500))
}

func TestChunkContent_SplitsOnParagraphBoundary(t *testing.T) {
	para1 := strings.Repeat("a", 40)
	para2 := strings.Repeat("b", 40)
	chunks := ChunkContent(para1+"\n\n"+para2, 50)
	require := assert.New(t)
	require.Len(chunks, 2)
	require.Equal(para1, chunks[0])
	require.Equal(para2, chunks[1])
}

func TestChunkContent_HardSplitsOversizedSentence(t *testing.T) {
	long := strings.Repeat("x", 120)
	chunks := ChunkContent(long, 50)
	for _, c := range chunks {
		assert.LessOrEqual(t, len([]rune(c)), 50)
	}
	assert.Greater(t, len(chunks), 1)
}
