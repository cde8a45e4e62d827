package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalEncodeDecode(t *testing.T) {
	s := Signal{TaskID: "t-1", WorkflowID: "wf-1"}

	raw, err := s.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"task_id":"t-1","workflow_id":"wf-1"}`, string(raw))

	got, err := DecodeSignal(raw)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeSignalMalformed(t *testing.T) {
	_, err := DecodeSignal([]byte(`{"task_id":`))
	require.Error(t, err)
}

func TestHeaderCarrierRoundTrip(t *testing.T) {
	c := make(HeaderCarrier, 0)
	c.Set("traceparent", "00-abc-def-01")
	c.Set("tracestate", "vendor=1")

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, c.Keys())
	assert.Empty(t, c.Get("missing"))

	// Overwriting a key replaces the header instead of appending a duplicate.
	c.Set("traceparent", "00-abc-def-02")
	assert.Equal(t, "00-abc-def-02", c.Get("traceparent"))
	assert.Len(t, c.Keys(), 2)
}
