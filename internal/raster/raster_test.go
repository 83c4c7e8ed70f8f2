package raster_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glam-monitor/glamd/internal/raster"
)

func TestWindows_CoversFullRasterNoOverlap(t *testing.T) {
	windows := raster.Windows(500, 300, 128, 128, 1)
	require.NotEmpty(t, windows)

	covered := make(map[[2]int]bool)
	for _, w := range windows {
		for y := w.Y0; y < w.Y0+w.Height; y++ {
			for x := w.X0; x < w.X0+w.Width; x++ {
				key := [2]int{x, y}
				assert.False(t, covered[key], "pixel (%d,%d) covered by more than one window", x, y)
				covered[key] = true
			}
		}
	}
	assert.Len(t, covered, 500*300)
}

func TestWindows_ScaleMultipliesBlockSize(t *testing.T) {
	windows := raster.Windows(1024, 1024, 128, 128, 4)
	for _, w := range windows {
		assert.LessOrEqual(t, w.Width, 512)
		assert.LessOrEqual(t, w.Height, 512)
	}
}

func TestReduceBlocks_MinMaxMean(t *testing.T) {
	blocks := [][]float64{
		{1, 2, math.NaN()},
		{3, 0, 5},
		{2, 4, 6},
	}

	min, err := raster.ReduceBlocks(blocks, raster.ReduceMin)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0, 5}, min)

	max, err := raster.ReduceBlocks(blocks, raster.ReduceMax)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 6}, max)

	mean, err := raster.ReduceBlocks(blocks, raster.ReduceMean)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, mean[0], 1e-9)
	assert.InDelta(t, 2.0, mean[1], 1e-9)
	assert.InDelta(t, 5.5, mean[2], 1e-9, "NaN input skipped, averaged over remaining 2 values")
}

func TestReduceBlocks_AllNaN_ProducesNaN(t *testing.T) {
	blocks := [][]float64{{math.NaN()}, {math.NaN()}}
	mean, err := raster.ReduceBlocks(blocks, raster.ReduceMean)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(mean[0]))
}

func TestReduceBlocks_EmptyInput_Errors(t *testing.T) {
	_, err := raster.ReduceBlocks(nil, raster.ReduceMean)
	assert.Error(t, err)
}

func TestReduceBlocks_UnknownReduce_Errors(t *testing.T) {
	_, err := raster.ReduceBlocks([][]float64{{1}}, raster.Reduce("bogus"))
	assert.Error(t, err)
}
