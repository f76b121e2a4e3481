package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialDataset(n int) *Dataset {
	ds := &Dataset{FeatureNames: []string{"x"}}
	for i := 0; i < n; i++ {
		ds.Features = append(ds.Features, []float64{float64(i)})
		ds.Target = append(ds.Target, float64(i)*10)
	}
	return ds
}

func TestTrainTestSplitSizesAndPairing(t *testing.T) {
	ds := sequentialDataset(10)
	split, err := TrainTestSplit(ds, 0.2, 42)
	require.NoError(t, err)

	assert.Len(t, split.TestX, 2)
	assert.Len(t, split.TrainX, 8)
	assert.Len(t, split.TestY, 2)
	assert.Len(t, split.TrainY, 8)

	seen := map[float64]bool{}
	for i, row := range append(append([][]float64{}, split.TrainX...), split.TestX...) {
		seen[row[0]] = true
		var y float64
		if i < len(split.TrainX) {
			y = split.TrainY[i]
		} else {
			y = split.TestY[i-len(split.TrainX)]
		}
		assert.Equal(t, row[0]*10, y, "features and targets must stay paired")
	}
	assert.Len(t, seen, 10, "every row lands in exactly one partition")
}

func TestTrainTestSplitIsSeeded(t *testing.T) {
	ds := sequentialDataset(50)
	a, err := TrainTestSplit(ds, 0.2, 42)
	require.NoError(t, err)
	b, err := TrainTestSplit(ds, 0.2, 42)
	require.NoError(t, err)
	c, err := TrainTestSplit(ds, 0.2, 7)
	require.NoError(t, err)

	assert.Equal(t, a.TestX, b.TestX)
	assert.NotEqual(t, a.TestX, c.TestX)
}

func TestTrainTestSplitRoundsTestSizeUp(t *testing.T) {
	split, err := TrainTestSplit(sequentialDataset(11), 0.2, 1)
	require.NoError(t, err)
	assert.Len(t, split.TestX, 3)
}

func TestTrainTestSplitErrors(t *testing.T) {
	_, err := TrainTestSplit(sequentialDataset(10), 0, 1)
	assert.Error(t, err)
	_, err = TrainTestSplit(sequentialDataset(10), 1, 1)
	assert.Error(t, err)
	_, err = TrainTestSplit(sequentialDataset(1), 0.5, 1)
	assert.Error(t, err)
	_, err = TrainTestSplit(&Dataset{}, 0.2, 1)
	assert.Error(t, err)

	ragged := sequentialDataset(3)
	ragged.Features[1] = []float64{1, 2}
	_, err = TrainTestSplit(ragged, 0.2, 1)
	assert.Error(t, err)
}
