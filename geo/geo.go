package geo

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/golang/geo/s2"
	"github.com/mmcloughlin/geohash"
	"github.com/shopspring/decimal"
)

const (
	// FinePrecision is the ~150m cell used for duplicate search.
	FinePrecision = 7
	// CoarsePrecision is the ~5km cell used for clustering and hotspots.
	CoarsePrecision = 5

	earthRadiusMeters = 6371008.8
	coordinateDigits  = 7
)

// InvalidCoordinatesError is returned for coordinates outside the valid range.
type InvalidCoordinatesError struct {
	Lat, Lng float64
}

func (e *InvalidCoordinatesError) Error() string {
	return fmt.Sprintf("invalid coordinates (%v, %v)", e.Lat, e.Lng)
}

// Validate checks |lat| <= 90 and |lng| <= 180.
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) ||
		lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return &InvalidCoordinatesError{Lat: lat, Lng: lng}
	}
	return nil
}

// Encode returns the precision-7 geohash of a coordinate.
func Encode(lat, lng float64) (string, error) {
	return EncodeWithPrecision(lat, lng, FinePrecision)
}

// EncodeWithPrecision returns the geohash of a coordinate with the given number of characters.
func EncodeWithPrecision(lat, lng float64, chars uint) (string, error) {
	if err := Validate(lat, lng); err != nil {
		return "", err
	}
	return geohash.EncodeWithPrecision(lat, lng, chars), nil
}

// Coarse truncates a geohash to the clustering precision.
func Coarse(hash string) string {
	if len(hash) <= CoarsePrecision {
		return hash
	}
	return hash[:CoarsePrecision]
}

// Neighbors returns the cell and its eight neighbours, sorted.
func Neighbors(hash string) []string {
	cells := append([]string{hash}, geohash.Neighbors(hash)...)
	seen := make(map[string]bool, len(cells))
	out := cells[:0]
	for _, c := range cells {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Center returns the center point of a geohash cell.
func Center(hash string) (lat, lng float64) {
	return geohash.DecodeCenter(hash)
}

// Bounds returns the corners of a geohash cell.
func Bounds(hash string) (minLat, minLng, maxLat, maxLng float64) {
	b := geohash.BoundingBox(hash)
	return b.MinLat, b.MinLng, b.MaxLat, b.MaxLng
}

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lng1)
	b := s2.LatLngFromDegrees(lat2, lng2)
	return a.Distance(b).Radians() * earthRadiusMeters
}

var coordinatePair = regexp.MustCompile(`^\s*\(?\s*([-+]?\d{1,3}(?:\.\d+)?)\s*[,;\s]\s*([-+]?\d{1,3}(?:\.\d+)?)\s*\)?\s*$`)

// ParseCoordinates recognizes free text that is already a "lat, lng" pair.
// It returns ok=false for anything else, and an error for pairs out of range.
func ParseCoordinates(text string) (lat, lng float64, ok bool, err error) {
	m := coordinatePair.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false, nil
	}
	dLat, err := decimal.NewFromString(m[1])
	if err != nil {
		return 0, 0, false, nil
	}
	dLng, err := decimal.NewFromString(m[2])
	if err != nil {
		return 0, 0, false, nil
	}
	lat = dLat.Round(coordinateDigits).InexactFloat64()
	lng = dLng.Round(coordinateDigits).InexactFloat64()
	if err := Validate(lat, lng); err != nil {
		return 0, 0, true, err
	}
	return lat, lng, true, nil
}

// Round limits a coordinate to the stored precision.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(coordinateDigits).InexactFloat64()
}
