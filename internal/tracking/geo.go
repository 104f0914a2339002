package tracking

import "math"

const earthRadiusM = 6371000.0

// DistanceMeters is the haversine distance between two points.
func DistanceMeters(a, b Coordinates) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// BearingDeg is the initial bearing from a to b in [0, 360).
func BearingDeg(a, b Coordinates) float64 {
	y := math.Sin((b.Lng-a.Lng)*math.Pi/180.0) * math.Cos(b.Lat*math.Pi/180.0)
	x := math.Cos(a.Lat*math.Pi/180.0)*math.Sin(b.Lat*math.Pi/180.0) - math.Sin(a.Lat*math.Pi/180.0)*math.Cos(b.Lat*math.Pi/180.0)*math.Cos((b.Lng-a.Lng)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// NearestStop returns the stop closest to c and its distance in meters.
// Stops without coordinates are skipped.
func NearestStop(stops []Stop, c Coordinates) (Stop, float64, bool) {
	best := math.MaxFloat64
	var found Stop
	ok := false
	for _, s := range stops {
		sc := Coordinates{Lat: s.Lat, Lng: s.Lng}
		if !sc.Valid() {
			continue
		}
		if d := DistanceMeters(sc, c); d < best {
			best, found, ok = d, s, true
		}
	}
	if !ok {
		return Stop{}, 0, false
	}
	return found, best, true
}
