package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressBarRendersCountAndPercentage(t *testing.T) {
	pb := NewProgressBar(4, 8, false)
	pb.SetPrefix("items ")

	assert.Equal(t, 0, pb.Percentage())
	assert.Contains(t, pb.Render(), "0/4 (0%)")

	pb.Increment()
	pb.Increment()
	assert.Equal(t, 50, pb.Percentage())
	assert.Contains(t, pb.Render(), "items [====    ] 2/4 (50%)")
}

func TestProgressBarClampsAtTotal(t *testing.T) {
	pb := NewProgressBar(1, 4, false)
	pb.Increment()
	pb.Increment()
	assert.Equal(t, 100, pb.Percentage())
	assert.Contains(t, pb.Render(), "1/1 (100%)")
}

func TestProgressBarZeroTotalNeverDivides(t *testing.T) {
	pb := NewProgressBar(0, 4, false)
	assert.Equal(t, 0, pb.Percentage())
	assert.Contains(t, pb.Render(), "0/0 (0%)")
}
