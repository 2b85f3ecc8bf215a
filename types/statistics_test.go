package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCountersToStats(t *testing.T) {
	c := NewCounters()
	c.Pictures.Decoded.Add(3)
	c.Pictures.Undecodable.Inc()
	c.References.Concealed.Add(2)
	c.Slices.Bytes.Add(1000)
	c.Resources.MVBufferExhausted.Inc()

	stats := c.ToStats()
	require.Equal(t, uint64(3), stats.Pictures.Decoded)
	require.Equal(t, uint64(1), stats.Pictures.Undecodable)
	require.Equal(t, uint64(2), stats.References.Concealed)
	require.Equal(t, uint64(1000), stats.Slices.Bytes)
	require.Equal(t, uint64(1), stats.Resources.MVBufferExhausted)
	require.Zero(t, stats.Resources.FrameStoreIDExhausted)

	b, err := json.Marshal(stats.Pictures)
	require.NoError(t, err)
	require.JSONEq(t, `{"Decoded":3,"Undecodable":1}`, string(b))
}
