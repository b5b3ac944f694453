// README: Shared identifier and coordinate value objects used across modules.
package types

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// MaxGeoLat is the largest latitude the Redis GEO index accepts.
const MaxGeoLat = 85.05112878

// Valid reports whether the point can be stored in the GEO index.
func (p Point) Valid() bool {
	return p.Lat >= -MaxGeoLat && p.Lat <= MaxGeoLat && p.Lng >= -180 && p.Lng <= 180
}
