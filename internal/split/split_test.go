package split

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate_Examples(t *testing.T) {
	tests := []struct {
		name    string
		gross   int64
		percent float64
		fee     int64
	}{
		{"100.00 at 10%", 10000, 10, 1000},
		{"zero gross", 0, 10, 0},
		{"zero fee", 4990, 0, 0},
		{"full fee", 4990, 100, 4990},
		{"half cent rounds up", 5, 10, 1},        // 0.5 -> 1
		{"below half rounds down", 4, 10, 0},     // 0.4 -> 0
		{"fractional percent", 1999, 9.5, 190},   // 189.905 -> 190
		{"odd amount", 333, 33.33, 111},          // 110.9889 -> 111
		{"exact half with fraction", 50, 1, 1},   // 0.5 -> 1
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Calculate(tt.gross, tt.percent)
			require.NoError(t, err)
			assert.Equal(t, tt.gross, s.Gross)
			assert.Equal(t, tt.fee, s.PlatformFee)
			assert.Equal(t, tt.gross-tt.fee, s.CreatorNet)
		})
	}
}

func TestCalculate_SumAlwaysMatchesGross(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 10000; i++ {
		gross := r.Int63n(10_000_000_00)
		percent := float64(r.Intn(10001)) / 100
		s, err := Calculate(gross, percent)
		require.NoError(t, err)
		assert.Equal(t, gross, s.PlatformFee+s.CreatorNet)
		assert.GreaterOrEqual(t, s.PlatformFee, int64(0))
		assert.GreaterOrEqual(t, s.CreatorNet, int64(0))
	}
}

func TestCalculate_Validation(t *testing.T) {
	for _, tc := range []struct {
		gross   int64
		percent float64
	}{
		{-1, 10},
		{100, -0.01},
		{100, 100.01},
	} {
		_, err := Calculate(tc.gross, tc.percent)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	}
}
