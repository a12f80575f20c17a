package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCounts(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	ctx := context.Background()

	m.CaptureStored(ctx, "Bash")
	m.CaptureSkipped(ctx, "Bash", "inspection")
	m.CaptureFailed(ctx, "Edit")
	m.Retrieval(ctx, 3)
	m.Retrieval(ctx, 0)
	m.BreakerTransition(ctx, "closed", "open")
	m.BreakerTransition(ctx, "open", "half-open")
	m.Evicted(ctx, 7)
	m.Warning(ctx, "stale-read", true)
	m.Warning(ctx, "stale-read", false)

	assert.Equal(t, Snapshot{
		Captured:         1,
		Skipped:          1,
		CaptureFailed:    1,
		Retrievals:       2,
		RetrievedItems:   3,
		BreakerOpened:    1,
		Evicted:          7,
		WarningsShown:    1,
		WarningsThrottle: 1,
	}, m.Snapshot())
}
