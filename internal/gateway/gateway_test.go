package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgeengine/core/internal/constitution"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/store"
)

const testPolicy = `
roles:
  developer_admin:
    permissions:
      - "*:*"
  visitor:
    permissions:
      - "read:recipe"
priorities: []
`

func newTestGateway(t *testing.T) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)

	doc, err := constitution.Load([]byte(testPolicy))
	require.NoError(t, err)
	ce := constitution.NewEngine(doc)
	audit := repository.NewAuditRepository(st)
	return NewGateway(ce, audit), st
}

func TestGateway_DeniesUnauthorizedWrite(t *testing.T) {
	gw, _ := newTestGateway(t)
	called := false
	gw.Register(Action{
		Name:     "create:recipe",
		Resource: "recipe",
		Handle: func(ctx context.Context, req Request) (interface{}, error) {
			called = true
			return nil, nil
		},
	})

	resp := gw.Dispatch(context.Background(), Request{Actor: "visitor", Action: "create:recipe", Resource: "recipe"})
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "PermissionDenied", string(resp.Error.Code()))
	assert.False(t, called)
}

func TestGateway_AllowsAuthorizedWriteAndAudits(t *testing.T) {
	gw, st := newTestGateway(t)
	gw.Register(Action{
		Name:     "create:recipe",
		Resource: "recipe",
		Handle: func(ctx context.Context, req Request) (interface{}, error) {
			return "R1", nil
		},
	})

	resp := gw.Dispatch(context.Background(), Request{Actor: "developer_admin", Action: "create:recipe", Resource: "recipe"})
	assert.True(t, resp.OK)
	assert.Equal(t, "R1", resp.Data)

	var count int
	require.NoError(t, st.DB().QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE action='create:recipe'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestGateway_HookVetoAbortsDispatch(t *testing.T) {
	gw, _ := newTestGateway(t)
	called := false
	gw.Use(func(ctx context.Context, req Request) error {
		return assertVetoError()
	})
	gw.Register(Action{
		Name:     "delete:recipe",
		Resource: "recipe",
		Handle: func(ctx context.Context, req Request) (interface{}, error) {
			called = true
			return nil, nil
		},
	})

	resp := gw.Dispatch(context.Background(), Request{Actor: "developer_admin", Action: "delete:recipe", Resource: "recipe"})
	assert.False(t, resp.OK)
	assert.False(t, called)
}

func assertVetoError() error {
	return errVeto
}

var errVeto = &vetoErr{}

type vetoErr struct{}

func (*vetoErr) Error() string { return "hook vetoed" }

func TestGateway_UnknownActionRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	resp := gw.Dispatch(context.Background(), Request{Actor: "developer_admin", Action: "nonexistent", Resource: "recipe"})
	assert.False(t, resp.OK)
}
