// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"math"
)

// projection converts between a map coordinate system and WGS84
// longitude and latitude in degrees.
type projection interface {
	geographic() bool
	toLonLat(x, y float64) (lon, lat float64, ok bool)
	fromLonLat(lon, lat float64) (x, y float64, ok bool)
}

const (
	wgs84A = 6378137.0
	wgs84F = 1 / 298.257223563

	// Web Mercator cuts off at the latitude where the map turns square.
	maxMercatorLat = 85.05112877980659
)

func parseProjection(srs string) (projection, error) {
	code, err := epsgCode(srs)
	if err != nil {
		return nil, err
	}
	switch {
	case code == 4326:
		return lonLat{}, nil
	case code == 3857 || code == 3785:
		return webMercator{}, nil
	case code > 32600 && code <= 32660:
		return newUTM(code-32600, false), nil
	case code > 32700 && code <= 32760:
		return newUTM(code-32700, true), nil
	}
	return nil, fmt.Errorf("unsupported spatial reference EPSG:%d", code)
}

type lonLat struct{}

func (lonLat) geographic() bool { return true }

func (lonLat) toLonLat(x, y float64) (float64, float64, bool) {
	return x, y, y >= -90 && y <= 90
}

func (lonLat) fromLonLat(lon, lat float64) (float64, float64, bool) {
	return lon, lat, true
}

// webMercator is EPSG:3857, the projection of web map tiles.
type webMercator struct{}

func (webMercator) geographic() bool { return false }

func (webMercator) toLonLat(x, y float64) (float64, float64, bool) {
	lon := x / wgs84A * 180 / math.Pi
	lat := math.Atan(math.Sinh(y/wgs84A)) * 180 / math.Pi
	return lon, lat, !math.IsNaN(lat)
}

func (webMercator) fromLonLat(lon, lat float64) (float64, float64, bool) {
	if lat < -maxMercatorLat || lat > maxMercatorLat {
		return 0, 0, false
	}
	x := wgs84A * lon * math.Pi / 180
	phi := lat * math.Pi / 180
	y := wgs84A * math.Log(math.Tan(math.Pi/4+phi/2))
	return x, y, true
}

// utm is a Universal Transverse Mercator zone on the WGS84 ellipsoid,
// computed with the series of Krüger to third order in n.
type utm struct {
	lon0          float64
	falseNorthing float64
	a, e          float64
	alpha, beta   [3]float64
	delta         [3]float64
}

const (
	utmScale         = 0.9996
	utmFalseEasting  = 500000.0
	utmSouthNorthing = 10000000.0
)

func newUTM(zone int, south bool) *utm {
	n := wgs84F / (2 - wgs84F)
	n2, n3 := n*n, n*n*n
	u := &utm{
		lon0: float64(zone*6-183) * math.Pi / 180,
		a:    wgs84A / (1 + n) * (1 + n2/4 + n2*n2/64),
		e:    2 * math.Sqrt(n) / (1 + n),
		alpha: [3]float64{
			n/2 - 2*n2/3 + 5*n3/16,
			13*n2/48 - 3*n3/5,
			61 * n3 / 240,
		},
		beta: [3]float64{
			n/2 - 2*n2/3 + 37*n3/96,
			n2/48 + n3/15,
			17 * n3 / 480,
		},
		delta: [3]float64{
			2*n - 2*n2/3 - 2*n3,
			7*n2/3 - 8*n3/5,
			56 * n3 / 15,
		},
	}
	if south {
		u.falseNorthing = utmSouthNorthing
	}
	return u
}

func (u *utm) geographic() bool { return false }

func (u *utm) fromLonLat(lon, lat float64) (float64, float64, bool) {
	if lat < -90 || lat > 90 {
		return 0, 0, false
	}
	phi := lat * math.Pi / 180
	dlon := lon*math.Pi/180 - u.lon0
	dlon = math.Remainder(dlon, 2*math.Pi)
	if math.Abs(dlon) >= math.Pi/2 {
		return 0, 0, false
	}

	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - u.e*math.Atanh(u.e*sinPhi))
	xi := math.Atan2(t, math.Cos(dlon))
	eta := math.Atanh(math.Sin(dlon) / math.Sqrt(1+t*t))

	e, n := eta, xi
	for j, a := range u.alpha {
		k := float64(2 * (j + 1))
		e += a * math.Cos(k*xi) * math.Sinh(k*eta)
		n += a * math.Sin(k*xi) * math.Cosh(k*eta)
	}
	x := utmFalseEasting + utmScale*u.a*e
	y := u.falseNorthing + utmScale*u.a*n
	return x, y, !math.IsNaN(x) && !math.IsNaN(y)
}

func (u *utm) toLonLat(x, y float64) (float64, float64, bool) {
	xi := (y - u.falseNorthing) / (utmScale * u.a)
	eta := (x - utmFalseEasting) / (utmScale * u.a)

	xiP, etaP := xi, eta
	for j, b := range u.beta {
		k := float64(2 * (j + 1))
		xiP -= b * math.Sin(k*xi) * math.Cosh(k*eta)
		etaP -= b * math.Cos(k*xi) * math.Sinh(k*eta)
	}

	chi := math.Asin(math.Sin(xiP) / math.Cosh(etaP))
	phi := chi
	for j, d := range u.delta {
		phi += d * math.Sin(float64(2*(j+1))*chi)
	}
	lam := u.lon0 + math.Atan2(math.Sinh(etaP), math.Cos(xiP))

	lon, lat := lam*180/math.Pi, phi*180/math.Pi
	return lon, lat, !math.IsNaN(lon) && !math.IsNaN(lat)
}

// reprojector maps coordinates from one spatial reference to another.
type reprojector struct {
	from, to projection
}

func newReprojector(from, to string) (*reprojector, error) {
	f, err := parseProjection(from)
	if err != nil {
		return nil, err
	}
	t, err := parseProjection(to)
	if err != nil {
		return nil, err
	}
	return &reprojector{from: f, to: t}, nil
}

func (r *reprojector) transform(x, y float64) (float64, float64, bool) {
	lon, lat, ok := r.from.toLonLat(x, y)
	if !ok {
		return 0, 0, false
	}
	return r.to.fromLonLat(lon, lat)
}
