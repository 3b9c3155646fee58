package analysis

import (
	"testing"
	"time"

	"mailtrace/internal/model"
)

func hopAt(ts time.Time) model.ResolvedHop {
	return model.ResolvedHop{Hop: model.Hop{Timestamp: ts}}
}

func TestCalculateDelays(t *testing.T) {
	base := time.Date(2024, time.April, 23, 20, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		hops     []model.ResolvedHop
		expected []string
	}{
		{
			name:     "no hops",
			hops:     nil,
			expected: []string{},
		},
		{
			name:     "single hop",
			hops:     []model.ResolvedHop{hopAt(base)},
			expected: []string{},
		},
		{
			name:     "forward gap",
			hops:     []model.ResolvedHop{hopAt(base), hopAt(base.Add(5*time.Minute + 30*time.Second))},
			expected: []string{"330.00 seconds"},
		},
		{
			name:     "newest first gives magnitude",
			hops:     []model.ResolvedHop{hopAt(base.Add(330 * time.Second)), hopAt(base)},
			expected: []string{"330.00 seconds"},
		},
		{
			name: "missing timestamp in the middle",
			hops: []model.ResolvedHop{
				hopAt(base.Add(2 * time.Second)),
				hopAt(time.Time{}),
				hopAt(base.Add(1500 * time.Millisecond)),
				hopAt(base),
			},
			expected: []string{"Timestamp missing", "Timestamp missing", "1.50 seconds"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delays := CalculateDelays(tt.hops)

			want := len(tt.hops) - 1
			if want < 0 {
				want = 0
			}
			if len(delays) != want {
				t.Fatalf("expected %d delays, got %d", want, len(delays))
			}

			for i, d := range delays {
				if d.String() != tt.expected[i] {
					t.Errorf("delay %d: expected %q, got %q", i, tt.expected[i], d.String())
				}
			}
		})
	}
}
