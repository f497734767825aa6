// Package location scores geographic proximity between a transaction and a
// receipt. Missing coordinates mean "no evidence", never "no match" —
// callers skip the criterion entirely instead of zero-filling it.
package location

import (
	"math"
	"strings"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two locations.
// ok is false when either side lacks coordinates.
func DistanceKm(a, b *expense.Location) (km float64, ok bool) {
	if !a.HasCoordinates() || !b.HasCoordinates() {
		return 0, false
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c, true
}

// SameAddress reports whether two free-text addresses are equal after
// normalization. Strict comparison: this is a boost signal, not fuzzy
// matching.
func SameAddress(a, b string) bool {
	na := normalizeAddress(a)
	nb := normalizeAddress(b)
	return na != "" && na == nb
}

func normalizeAddress(addr string) string {
	n := strings.ToLower(addr)
	n = strings.NewReplacer(",", " ", ".", " ", "#", " ").Replace(n)
	return strings.Join(strings.Fields(n), " ")
}

// Score rates proximity in [0, 1]: 1.0 for an exact address match regardless
// of coordinate distance, otherwise linear decay with distance out to
// radiusKm. ok is false when there is no usable evidence on either basis.
func Score(a, b *expense.Location, radiusKm float64) (score float64, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if SameAddress(a.Address, b.Address) {
		return 1.0, true
	}

	km, haveCoords := DistanceKm(a, b)
	if !haveCoords {
		return 0, false
	}
	if km >= radiusKm {
		return 0, true
	}
	return 1.0 - km/radiusKm, true
}
