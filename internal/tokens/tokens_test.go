package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCharEstimator(t *testing.T) {
	est := NewCharEstimator()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"whitespace only", "   \n\t", 0},
		{"one char", "a", 1},
		{"exact multiple", "abcdefgh", 2},
		{"rounds up", "abcdefghi", 3},
		{"trims before counting", "  abcd  ", 1},
		{"counts runes not bytes", "éééé", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, est.Estimate(tt.text))
		})
	}
}

func TestCharEstimatorZeroRatioFallsBack(t *testing.T) {
	est := CharEstimator{}
	assert.Equal(t, 2, est.Estimate("abcdefgh"))
}

func TestClamp(t *testing.T) {
	est := NewCharEstimator()
	text := strings.Repeat("x", 100)

	clamped := Clamp(est, text, 10)
	assert.Len(t, clamped, 40)
	assert.LessOrEqual(t, est.Estimate(clamped), 10)

	assert.Equal(t, "short", Clamp(est, "short", 10), "text within budget is untouched")
	assert.Empty(t, Clamp(est, text, 0))
}

func TestNew(t *testing.T) {
	est, err := New("chars")
	require.NoError(t, err)
	assert.IsType(t, CharEstimator{}, est)

	_, err = New("words")
	assert.Error(t, err)
}
