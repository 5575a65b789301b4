package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectSystemStatus(t *testing.T) {
	status, err := CollectSystemStatus("follower-3001")
	require.NoError(t, err)

	assert.Equal(t, "follower-3001", status.NodeID)
	assert.Greater(t, status.CPUCores, 0)
	assert.Greater(t, status.MemoryTotalBytes, uint64(0))
	assert.LessOrEqual(t, status.MemoryUsedBytes, status.MemoryTotalBytes)
	assert.NotEmpty(t, status.Timestamp)
}
