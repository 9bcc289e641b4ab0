package indexing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize_SplitsASCIIWords(t *testing.T) {
	terms := Tokenize("Singleton Pattern 2024")
	assert.Equal(t, []string{"singleton", "pattern", "2024"}, terms)
}

func TestTokenize_EmitsCJKUnigramsAndBigrams(t *testing.T) {
	terms := Tokenize("单例模式")
	// 4 unigrams + 3 bigrams for a 4-rune run.
	assert.Len(t, terms, 7)
	assert.Contains(t, terms, "单")
	assert.Contains(t, terms, "单例")
}

func TestTermFrequencies_CountsRepeats(t *testing.T) {
	tf := termFrequencies([]string{"a", "b", "a"})
	assert.Equal(t, 2, tf["a"])
	assert.Equal(t, 1, tf["b"])
}
