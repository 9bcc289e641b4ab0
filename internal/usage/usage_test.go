package usage

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordUsagePersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)

	require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@singleton", RecipeFilePath: "singleton.md", Source: SourceHuman}))
	require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@singleton", RecipeFilePath: "singleton.md", Source: SourceAI}))

	reloaded, err := NewTracker(dir)
	require.NoError(t, err)
	d, err := reloaded.load()
	require.NoError(t, err)

	entry := d.ByTrigger["@singleton"]
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.HumanUsageCount)
	assert.Equal(t, 1, entry.AIUsageCount)
	assert.Equal(t, 0, entry.GuardUsageCount)

	fileEntry := d.ByFile["singleton.md"]
	require.NotNil(t, fileEntry)
	assert.Equal(t, 1, fileEntry.HumanUsageCount)
}

func TestTracker_SetAuthorityClamps(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)

	require.NoError(t, tracker.SetAuthority("@singleton", "singleton.md", 7))
	d, err := tracker.load()
	require.NoError(t, err)
	assert.Equal(t, 5.0, d.ByTrigger["@singleton"].Authority)
	assert.Equal(t, 5.0, d.ByFile["singleton.md"].Authority)

	require.NoError(t, tracker.SetAuthority("@singleton", "singleton.md", -3))
	d, err = tracker.load()
	require.NoError(t, err)
	assert.Equal(t, 0.0, d.ByTrigger["@singleton"].Authority)
}

func TestTracker_AuthorityScoreBlendsHeatAndRating(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@hot", Source: SourceHuman}))
	}
	require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@cold", Source: SourceGuard}))
	require.NoError(t, tracker.SetAuthority("@hot", "", 5))

	score, err := tracker.TriggerAuthorityScore("@hot")
	require.NoError(t, err)
	// heat(@hot) = 2*3 = 6 is the max heat, so normalized heat = 1.0;
	// authority/5 = 1.0; alpha=0.5 blend => 1.0.
	assert.InDelta(t, 1.0, score, 0.0001)

	coldScore, err := tracker.TriggerAuthorityScore("@cold")
	require.NoError(t, err)
	assert.Less(t, coldScore, score)

	unknownScore, err := tracker.TriggerAuthorityScore("@never-seen")
	require.NoError(t, err)
	assert.Equal(t, 0.0, unknownScore)
}

func TestTracker_LockFileReleasedAfterUse(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	require.NoError(t, err)

	require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@a", Source: SourceHuman}))
	require.NoError(t, tracker.RecordUsage(RecordOptions{Trigger: "@b", Source: SourceHuman}))

	// A second acquisition must succeed immediately — the lock from each
	// prior RecordUsage call was released, not leaked.
	require.NoError(t, tracker.acquireLock())
	require.NoError(t, os.Remove(tracker.lockPath))
}
