package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	bogota := Point{Lat: 4.7110, Lng: -74.0721}
	medellin := Point{Lat: 6.2442, Lng: -75.5812}

	assert.InDelta(t, 0, Haversine(bogota, bogota), 1e-9)
	assert.InDelta(t, 238.7, Haversine(bogota, medellin), 1.5)
	assert.InDelta(t, Haversine(bogota, medellin), Haversine(medellin, bogota), 1e-9)
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0})
	assert.InDelta(t, 111.195, d, 0.01)
}
