package constitution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = `
roles:
  developer_admin:
    permissions:
      - "*:*"
  visitor:
    permissions:
      - "read:recipe"
priorities:
  - priority: 10
    actions: ["delete:recipe"]
    resources: ["*"]
    outcome: "deny"
    reason: "deletes require explicit override"
`

func TestEngine_VisitorDeniedWrite(t *testing.T) {
	doc, err := Load([]byte(testDoc))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "visitor", "create", "recipe")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "no permission")
}

func TestEngine_AdminWildcardPermission(t *testing.T) {
	doc, err := Load([]byte(testDoc))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "create", "recipe")
	assert.True(t, d.Allow)
}

func TestEngine_PriorityRuleOverridesPermission(t *testing.T) {
	doc, err := Load([]byte(testDoc))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "delete", "recipe")
	assert.False(t, d.Allow)
	require.NotNil(t, d.Priority)
	assert.Equal(t, 10, *d.Priority)
}

func TestEngine_UnknownActorDenied(t *testing.T) {
	doc, err := Load([]byte(testDoc))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "ghost", "create", "recipe")
	assert.False(t, d.Allow)
}

func TestEngine_CapabilityProbeSucceedsAllows(t *testing.T) {
	doc, err := Load([]byte(`
roles:
  developer_admin:
    permissions: ["*:*"]
    requiredCapabilities: ["git_write"]
capabilities:
  git_write:
    probe: "/bin/true"
    onMissingSubrepo: deny
    onMissingRemote: deny
    cacheTtlSeconds: 60
priorities: []
`))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "create", "recipe")
	assert.True(t, d.Allow)
	assert.False(t, d.Review)
}

// A probe command that cannot even start (no such binary, standing in
// for a subrepo/worktree that doesn't exist) must consult
// OnMissingSubrepo, not OnMissingRemote.
func TestEngine_CapabilityMissingSubrepoAppliesSubrepoBehavior(t *testing.T) {
	doc, err := Load([]byte(`
roles:
  developer_admin:
    permissions: ["*:*"]
    requiredCapabilities: ["git_write"]
capabilities:
  git_write:
    probe: "/no/such/binary-knowledgeengine-test"
    onMissingSubrepo: review
    onMissingRemote: deny
    cacheTtlSeconds: 60
priorities: []
`))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "create", "recipe")
	assert.False(t, d.Allow)
	assert.True(t, d.Review)
	assert.Contains(t, d.Reason, "subrepo")
}

// A probe command that runs but exits non-zero (standing in for `git
// push --dry-run` with no configured remote) must consult
// OnMissingRemote, not OnMissingSubrepo.
func TestEngine_CapabilityMissingRemoteAppliesRemoteBehavior(t *testing.T) {
	doc, err := Load([]byte(`
roles:
  developer_admin:
    permissions: ["*:*"]
    requiredCapabilities: ["git_write"]
capabilities:
  git_write:
    probe: "/bin/false"
    onMissingSubrepo: deny
    onMissingRemote: allow
    cacheTtlSeconds: 60
priorities: []
`))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "create", "recipe")
	assert.True(t, d.Allow)
	assert.False(t, d.Review)
}

func TestEngine_CapabilityReviewDistinctFromDeny(t *testing.T) {
	doc, err := Load([]byte(`
roles:
  developer_admin:
    permissions: ["*:*"]
    requiredCapabilities: ["git_write"]
capabilities:
  git_write:
    probe: "/bin/false"
    onMissingSubrepo: deny
    onMissingRemote: review
    cacheTtlSeconds: 60
priorities: []
`))
	require.NoError(t, err)
	eng := NewEngine(doc)

	d := eng.Check(context.Background(), "developer_admin", "create", "recipe")
	assert.False(t, d.Allow)
	assert.True(t, d.Review)
	assert.Contains(t, d.Reason, "remote")
}
