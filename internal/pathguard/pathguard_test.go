package pathguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertProjectWriteSafe_Descendant(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "AutoSnippet", "recipes", "foo.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0755))

	err := AssertProjectWriteSafe(root, target)
	assert.NoError(t, err)
}

func TestAssertProjectWriteSafe_Escape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "evil.md")

	err := AssertProjectWriteSafe(root, target)
	require.Error(t, err)
}

func TestAssertProjectWriteSafe_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "AutoSnippet"), 0755))

	link := filepath.Join(root, "AutoSnippet", "escape")
	require.NoError(t, os.Symlink(outside, link))

	target := filepath.Join(link, "evil.md")
	err := AssertProjectWriteSafe(root, target)
	require.Error(t, err)
}

func TestNewID_HasPrefix(t *testing.T) {
	id := NewID("recipe")
	assert.Contains(t, id, "recipe_")
	assert.Len(t, id, len("recipe_")+36)
}

func TestResolveProjectRoot_FallsBackToCwd(t *testing.T) {
	dir := t.TempDir()
	root, err := ResolveProjectRoot(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}

func TestResolveProjectRoot_FindsSpecFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "boxspec.json"), []byte("{}"), 0644))

	sub := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(sub, 0755))

	found, err := ResolveProjectRoot(sub)
	require.NoError(t, err)
	assert.Equal(t, root, found)
}
