package rewrite

import (
	"math"
	"net/url"
	"strconv"
	"strings"
)

var (
	latSigns = map[string]float64{"N": 1, "S": -1}
	lonSigns = map[string]float64{"E": 1, "W": -1, "O": 1}

	dmsFactors = []float64{1, 60, 3600}
)

// TranslateGeoURL maps a geo-service URL to a geo: URI. Recognized services
// are poimap2.php (lat/lon query parameters) and geohack.php (packed params).
func TranslateGeoURL(href string) (string, bool) {
	u, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	switch {
	case strings.Contains(u.Path, "poimap2.php"):
		q := u.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			return "", false
		}
		return geoURI(lat, lon), true
	case strings.Contains(u.Path, "geohack.php"):
		lat, lon, ok := parseGeoHackParams(u.Query()["params"])
		if !ok {
			return "", false
		}
		return geoURI(lat, lon), true
	}
	return "", false
}

// parseGeoHackParams decodes geohack's packed params value. With several
// values present, the first numeric one wins. The value is split on "_"; a
// leading "lat;lon" pair is used directly, otherwise segments are read as
// DMS terms until a hemisphere letter closes each coordinate.
func parseGeoHackParams(values []string) (float64, float64, bool) {
	params := ""
	for _, v := range values {
		if v == "" {
			continue
		}
		if r := v[0]; (r >= '0' && r <= '9') || r == '-' || r == '.' {
			params = v
			break
		}
	}
	if params == "" && len(values) > 0 {
		params = values[0]
	}
	if params == "" {
		return 0, 0, false
	}

	segs := strings.Split(params, "_")
	if lat, lon, ok := splitSemicolonPair(segs[0]); ok {
		return lat, lon, true
	}

	coords := [2]float64{}
	idx, term := 0, 0
	for _, seg := range segs {
		if idx > 1 {
			break
		}
		up := strings.ToUpper(seg)
		signs := latSigns
		if idx == 1 {
			signs = lonSigns
		}
		if sign, ok := signs[up]; ok {
			coords[idx] *= sign
			idx++
			term = 0
			continue
		}
		v, err := strconv.ParseFloat(seg, 64)
		if err != nil {
			break
		}
		if term < len(dmsFactors) {
			coords[idx] += v / dmsFactors[term]
			term++
		}
	}
	if idx < 2 || !isFinite(coords[0]) || !isFinite(coords[1]) {
		return 0, 0, false
	}
	return coords[0], coords[1], true
}

func splitSemicolonPair(seg string) (float64, float64, bool) {
	parts := strings.Split(seg, ";")
	if len(parts) != 2 {
		return 0, 0, false
	}
	lat, errLat := strconv.ParseFloat(parts[0], 64)
	lon, errLon := strconv.ParseFloat(parts[1], 64)
	if errLat != nil || errLon != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func geoURI(lat, lon float64) string {
	return "geo:" + strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}
