// SPDX-FileCopyrightText: 2024 Sascha Brawer <sascha@brawer.ch>
// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"strconv"
	"strings"
)

// GeoKeys, GeoTIFF 1.1 specification, section 7.
const (
	geoKeyModelType        = 1024
	geoKeyRasterType       = 1025
	geoKeyGeographicType   = 2048
	geoKeyGeogAngularUnits = 2054
	geoKeyProjectedCSType  = 3072
	geoKeyProjLinearUnits  = 3076

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	angularUnitDegree   = 9102
	linearUnitMeter     = 9001
	userDefined         = 32767
)

// identityGeoTransform is what a raster without georeferencing reports.
var identityGeoTransform = [6]float64{0, 1, 0, 0, 0, 1}

// geoTransformFromTags reads the affine pixel-to-world transform of a
// GeoTIFF. The second result is false if the file carries none.
func geoTransformFromTags(ifd *tiffIFD) ([6]float64, bool) {
	if f := ifd.fields[tagModelTransform]; f != nil && len(f.floats) >= 16 {
		m := f.floats
		return [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}, true
	}

	scale, tie := ifd.fields[tagModelPixelScale], ifd.fields[tagModelTiepoint]
	if scale == nil || tie == nil || len(scale.floats) < 2 || len(tie.floats) < 6 {
		return identityGeoTransform, false
	}
	sx, sy := scale.floats[0], scale.floats[1]
	i, j := tie.floats[0], tie.floats[1]
	x, y := tie.floats[3], tie.floats[4]
	return [6]float64{x - i*sx, sx, 0, y + j*sy, 0, -sy}, true
}

// srsFromGeoKeys returns the coordinate reference system of a GeoTIFF
// as "EPSG:<code>", or the empty string if it has none or uses a
// user-defined system.
func srsFromGeoKeys(ifd *tiffIFD) string {
	dir := ifd.fields[tagGeoKeyDirectory]
	if dir == nil || len(dir.ints) < 4 {
		return ""
	}

	keys := make(map[uint64]uint64, dir.ints[3])
	for i := 4; i+3 < len(dir.ints); i += 4 {
		key, loc, value := dir.ints[i], dir.ints[i+1], dir.ints[i+3]
		if loc == 0 {
			keys[key] = value
		}
	}

	code := keys[geoKeyProjectedCSType]
	if keys[geoKeyModelType] == modelTypeGeographic || code == 0 {
		code = keys[geoKeyGeographicType]
	}
	if code == 0 || code >= userDefined {
		return ""
	}
	return fmt.Sprintf("EPSG:%d", code)
}

// epsgCode parses "EPSG:4326" into 4326.
func epsgCode(srs string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(srs))
	num, found := strings.CutPrefix(s, "EPSG:")
	if !found {
		return 0, fmt.Errorf("unsupported spatial reference %q, want EPSG:<code>", srs)
	}
	code, err := strconv.Atoi(num)
	if err != nil || code <= 0 || code >= userDefined {
		return 0, fmt.Errorf("bad EPSG code in %q", srs)
	}
	return code, nil
}

// canonicalSRS brings a spatial reference into the form "EPSG:<code>".
func canonicalSRS(srs string) string {
	code, err := epsgCode(srs)
	if err != nil {
		return strings.TrimSpace(srs)
	}
	return fmt.Sprintf("EPSG:%d", code)
}

// geoKeyDirectory encodes the GeoKeys that describe srs.
func geoKeyDirectory(srs string) ([]uint16, error) {
	code, err := epsgCode(srs)
	if err != nil {
		return nil, err
	}
	// Codes of the EPSG geographic range are written as geographic even
	// if no projection is implemented for them.
	geographic := code >= 4000 && code < 5000
	if p, err := parseProjection(srs); err == nil {
		geographic = p.geographic()
	}

	var keys [][4]uint16
	if geographic {
		keys = [][4]uint16{
			{geoKeyModelType, 0, 1, modelTypeGeographic},
			{geoKeyRasterType, 0, 1, rasterPixelIsArea},
			{geoKeyGeographicType, 0, 1, uint16(code)},
			{geoKeyGeogAngularUnits, 0, 1, angularUnitDegree},
		}
	} else {
		keys = [][4]uint16{
			{geoKeyModelType, 0, 1, modelTypeProjected},
			{geoKeyRasterType, 0, 1, rasterPixelIsArea},
			{geoKeyProjectedCSType, 0, 1, uint16(code)},
			{geoKeyProjLinearUnits, 0, 1, linearUnitMeter},
		}
	}

	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	return dir, nil
}

// geoTransformTags returns either ModelPixelScale and ModelTiepoint, or
// for rotated rasters a ModelTransformation matrix.
func geoTransformTags(gt [6]float64) map[uint16][]float64 {
	if gt[2] == 0 && gt[4] == 0 {
		return map[uint16][]float64{
			tagModelPixelScale: {gt[1], -gt[5], 0},
			tagModelTiepoint:   {0, 0, 0, gt[0], gt[3], 0},
		}
	}
	return map[uint16][]float64{
		tagModelTransform: {
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		},
	}
}
