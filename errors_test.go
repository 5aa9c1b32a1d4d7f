package flowsync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"validation", Validationf("op", "edges.e1.target", "references unknown node %q", "n9"), ErrValidation},
		{"permission", Permissionf("op", "no"), ErrPermission},
		{"state", Statef("op", "closed"), ErrState},
		{"not found", NotFoundf("op", "missing"), ErrNotFound},
		{"concurrency", Concurrencyf("op", "raced"), ErrConcurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.err, tc.kind)
			assert.Equal(t, tc.kind, KindOf(tc.err))

			wrapped := fmt.Errorf("flowsync: outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.kind)
			assert.Equal(t, tc.kind, KindOf(wrapped))
		})
	}
}

func TestErrorMessageNamesPath(t *testing.T) {
	err := Validationf("validate definition", "edges.e1.target", "references unknown node %q", "n9")
	assert.Equal(t, `flowsync: validate definition: edges.e1.target: references unknown node "n9"`, err.Error())
}

func TestErrorIsDoesNotCrossKinds(t *testing.T) {
	err := Statef("op", "closed")
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Nil(t, KindOf(errors.New("plain")))
}
