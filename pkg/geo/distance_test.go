package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKm(t *testing.T) {
	manzini := Coord{Lat: -26.4833, Lng: 31.3667}
	mbabane := Coord{Lat: -26.3054, Lng: 31.1367}
	london := Coord{Lat: 51.5074, Lng: -0.1278}
	paris := Coord{Lat: 48.8566, Lng: 2.3522}

	tests := []struct {
		name  string
		a, b  Coord
		want  float64
		delta float64
	}{
		{name: "coincident points", a: manzini, b: manzini, want: 0, delta: 0},
		{name: "manzini to mbabane", a: manzini, b: mbabane, want: 30.6, delta: 1},
		{name: "london to paris", a: london, b: paris, want: 343.5, delta: 1},
		{name: "quarter meridian", a: Coord{Lat: 0, Lng: 0}, b: Coord{Lat: 90, Lng: 0}, want: 10007.5, delta: 1},
		{name: "antipodal", a: Coord{Lat: 0, Lng: 0}, b: Coord{Lat: 0, Lng: 180}, want: 20015.1, delta: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DistanceKm(tt.a, tt.b), tt.delta)
		})
	}
}

func TestDistanceKm_Symmetric(t *testing.T) {
	a := Coord{Lat: -26.4833, Lng: 31.3667}
	b := Coord{Lat: -25.7479, Lng: 28.2293}
	assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
}

func TestDistanceKm_CoincidentIsExactlyZero(t *testing.T) {
	p := Coord{Lat: -26.4833, Lng: 31.3667}
	assert.Equal(t, 0.0, DistanceKm(p, p))
}
