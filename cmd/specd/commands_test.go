package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/review"
)

func TestCreateSpecOptions(t *testing.T) {
	// Default: halt at the gate and leave the spec pending for a human.
	opts := createSpecOptions(false)
	assert.True(t, opts.StopAfterGate)
	assert.Nil(t, opts.Presenter)

	// Auto-approve: run build and QA in the same invocation.
	opts = createSpecOptions(true)
	assert.False(t, opts.StopAfterGate)
	require.NotNil(t, opts.Presenter)
	assert.IsType(t, review.AutoPresenter{}, opts.Presenter)
}
