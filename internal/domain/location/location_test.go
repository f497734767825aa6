package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

func loc(lat, lon float64) *expense.Location {
	return &expense.Location{Latitude: lat, Longitude: lon}
}

func TestDistanceKm_KnownDistance(t *testing.T) {
	// San Francisco to Los Angeles, roughly 559 km
	sf := loc(37.7749, -122.4194)
	la := loc(34.0522, -118.2437)

	km, ok := DistanceKm(sf, la)
	require.True(t, ok)
	assert.InDelta(t, 559, km, 10)
}

func TestDistanceKm_SamePoint(t *testing.T) {
	p := loc(40.7128, -74.0060)
	km, ok := DistanceKm(p, p)
	require.True(t, ok)
	assert.InDelta(t, 0, km, 0.001)
}

func TestDistanceKm_MissingCoordinates(t *testing.T) {
	_, ok := DistanceKm(loc(40, -74), &expense.Location{Address: "somewhere"})
	assert.False(t, ok)

	_, ok = DistanceKm(nil, loc(40, -74))
	assert.False(t, ok)
}

func TestSameAddress(t *testing.T) {
	tests := []struct {
		name     string
		a, b     string
		expected bool
	}{
		{"identical", "123 Main St", "123 Main St", true},
		{"case and punctuation", "123 Main St.", "123 MAIN ST", true},
		{"whitespace", " 123  Main St ", "123 Main St", true},
		{"different", "123 Main St", "456 Oak Ave", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SameAddress(tt.a, tt.b))
		})
	}
}

func TestScore_ExactAddressBeatsDistance(t *testing.T) {
	// Same address but coordinates 20km apart (bad geocoding happens):
	// address equality wins.
	a := &expense.Location{Address: "123 Main St", Latitude: 40.0, Longitude: -74.0}
	b := &expense.Location{Address: "123 Main St", Latitude: 40.18, Longitude: -74.0}

	score, ok := Score(a, b, 5)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
}

func TestScore_LinearDecay(t *testing.T) {
	a := loc(40.0, -74.0)
	// ~2.5km north
	b := loc(40.0225, -74.0)

	score, ok := Score(a, b, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 0.05)
}

func TestScore_BeyondRadius(t *testing.T) {
	a := loc(40.0, -74.0)
	// ~11km north
	b := loc(40.1, -74.0)

	score, ok := Score(a, b, 5)
	require.True(t, ok)
	assert.Equal(t, 0.0, score)
}

func TestScore_NoEvidence(t *testing.T) {
	_, ok := Score(nil, loc(40, -74), 5)
	assert.False(t, ok)

	_, ok = Score(&expense.Location{}, &expense.Location{}, 5)
	assert.False(t, ok)
}
