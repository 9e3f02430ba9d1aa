package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezhong0/aiassistant-sub012/eval"
)

func TestNewRequestCarriesOptions(t *testing.T) {
	req := newRequest("u1", "What's urgent in my inbox from the last week?", "short", true)

	require.NotNil(t, req.Options)
	assert.Equal(t, "short", req.Options.Verbosity)
	assert.True(t, req.Options.IncludeTrace)

	// The constructed request drives a full pipeline run end to end
	envelope, err := eval.NewSyntheticPipeline().Process(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.Answer)
	require.NotNil(t, envelope.Trace)
	assert.NotEmpty(t, envelope.Trace.RequestID)
}
