package utils

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithDefaultArgsAccumulates(t *testing.T) {
	ctx := WithDefaultArgs(context.Background(), "binder", "b1")
	ctx = WithDefaultArgs(ctx, "user", "u1")
	assert.Equal(t, []any{"binder", "b1", "user", "u1"}, getDefaultArgs(ctx))
}

// Two contexts derived from the same parent must keep independent arg
// lists even when the parent's slice has spare capacity.
func TestWithDefaultArgsSiblingsDoNotShare(t *testing.T) {
	parent := WithDefaultArgs(context.Background(), "binder", "b1", "user", "u1", "op")
	c1 := WithDefaultArgs(parent, "push")
	c2 := WithDefaultArgs(parent, "revert")

	assert.Equal(t, []any{"binder", "b1", "user", "u1", "op", "push"}, getDefaultArgs(c1))
	assert.Equal(t, []any{"binder", "b1", "user", "u1", "op", "revert"}, getDefaultArgs(c2))
	assert.Equal(t, []any{"binder", "b1", "user", "u1", "op"}, getDefaultArgs(parent))
}
