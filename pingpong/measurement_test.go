package pingpong

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMeasurement(t *testing.T) {
	m := Measurement{Bytes: 8 << 18, Elapsed: 2 * time.Second, LoopCount: 50}
	require.InDelta(t, 0.02, m.TransferTime(), 1e-12)
	require.InDelta(t, 0.09765625, m.Bandwidth(), 1e-12)

	zero := Measurement{Bytes: 16384, LoopCount: 50}
	require.True(t, math.IsInf(zero.Bandwidth(), 1))
}

func TestSizes(t *testing.T) {
	sizes := DefaultConfig().Sizes()
	require.Len(t, sizes, 8)
	for i, n := range sizes {
		require.Equal(t, 1<<(11+i), n)
	}
	require.Equal(t, 8<<18, DefaultConfig().MaxMessageBytes())
}
