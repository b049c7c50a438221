package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	tests := []struct {
		data     []float64
		expected float64
	}{
		{nil, -1},
		{[]float64{3}, 3},
		{[]float64{5, 1, 3}, 3},
		{[]float64{4, 1, 3, 2}, 2.5},
	}
	for i, tc := range tests {
		assert.Equal(t, tc.expected, Mean(tc.data...), "tc #%d", i)
	}

	data := []float64{3, 1, 2}
	Mean(data...)
	assert.Equal(t, []float64{3, 1, 2}, data, "Mean must not reorder its input")
}

func TestMaxMinAvg(t *testing.T) {
	assert.Equal(t, 9.0, Max(1, 9, 4))
	assert.Equal(t, 1.0, Min(1, 9, 4))
	assert.Equal(t, 2.0, Avg(1, 2, 3))
	assert.Equal(t, -1.0, Avg())
}
