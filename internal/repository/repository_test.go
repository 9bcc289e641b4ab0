package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTableColumns_ReflectsLiveSchema(t *testing.T) {
	st := newTestStore(t)

	cols := tableColumns(st.DB(), "recipes")
	assert.True(t, cols["title"])
	assert.True(t, cols["source_candidate_id"])
	assert.False(t, cols["not_a_real_column"])
}

func TestTableColumns_CachesAcrossCalls(t *testing.T) {
	st := newTestStore(t)

	first := tableColumns(st.DB(), "candidates")
	second := tableColumns(st.DB(), "candidates")
	assert.Equal(t, first, second)
}

func TestFilter_EqRejectsUnknownColumn(t *testing.T) {
	f := NewFilter().Eq("not_a_real_column", map[string]bool{"id": true}, "x")
	where, args := f.Where()
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestFilter_EqAcceptsWhitelistedColumn(t *testing.T) {
	f := NewFilter().Eq("id", map[string]bool{"id": true}, "r1")
	where, args := f.Where()
	assert.Equal(t, "WHERE id = ?", where)
	assert.Equal(t, []interface{}{"r1"}, args)
}
