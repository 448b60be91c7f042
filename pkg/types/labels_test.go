package types

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsRoundTrip(t *testing.T) {
	c := newTestContext(t)
	c.Sidecar.Removal.MarkToRemove(true)
	c.Sidecar.Status.MarkFailing("boom", "OEC:abcd")
	c.Sidecar.WaitForManualIntervention = true

	labels, err := EncodeLabels(c)
	require.NoError(t, err)
	assert.Equal(t, TypeSidecar, labels[LabelType])
	assert.Equal(t, c.NodeID, labels[LabelNodeID])

	got, err := DecodeLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, c.NodeID, got.NodeID)
	assert.Equal(t, c.ServiceName, got.ServiceName)
	assert.Equal(t, c.RunID, got.RunID)
	assert.Equal(t, c.Paths, got.Paths)
	assert.True(t, got.Sidecar.WaitForManualIntervention)
	assert.True(t, got.Sidecar.Removal.Equal(c.Sidecar.Removal))
	assert.Equal(t, "boom [OEC:abcd]", got.Sidecar.Status.Message)
}

func TestLabelsChunking(t *testing.T) {
	c := newTestContext(t)
	// random-ish content does not compress well and forces several chunks
	var sb strings.Builder
	for i := 0; i < 4000; i++ {
		sb.WriteString(strconv.FormatInt(int64(i*7919%104729), 36))
	}
	c.ComposeSpec = sb.String()

	labels, err := EncodeLabels(c)
	require.NoError(t, err)

	n, err := strconv.Atoi(labels[LabelContextChunks])
	require.NoError(t, err)
	assert.Greater(t, n, 1)
	for k, v := range labels {
		assert.LessOrEqual(t, len(v), 4096, k)
	}

	got, err := DecodeLabels(labels)
	require.NoError(t, err)
	assert.Equal(t, c.ComposeSpec, got.ComposeSpec)
}

func TestDecodeLabelsErrors(t *testing.T) {
	_, err := DecodeLabels(map[string]string{})
	assert.Error(t, err)

	_, err = DecodeLabels(map[string]string{LabelContextChunks: "2", LabelContextPrefix + "0": "abc"})
	assert.Error(t, err)

	_, err = DecodeLabels(map[string]string{LabelContextChunks: "1", LabelContextPrefix + "0": "!!!"})
	assert.Error(t, err)
}
