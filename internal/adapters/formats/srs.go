package formats

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var (
	wktAuthority  = regexp.MustCompile(`AUTHORITY\[\s*"([^"]+)"\s*,\s*"?(\d+)"?\s*\]`)
	wktProjection = regexp.MustCompile(`PROJECTION\[\s*"([^"]+)"`)
)

// wellKnownCRS maps CRS names that ship without an authority clause
// (ESRI-flavored WKT mostly) to their EPSG codes.
var wellKnownCRS = map[string]string{
	"gcs_wgs_1984":                             "EPSG:4326",
	"wgs 84":                                   "EPSG:4326",
	"wgs_1984":                                 "EPSG:4326",
	"wgs_1984_web_mercator_auxiliary_sphere":   "EPSG:3857",
	"web_mercator":                             "EPSG:3857",
	"popular visualisation crs / mercator":     "EPSG:3857",
	"nad_1983":                                 "EPSG:4269",
	"gcs_north_american_1983":                  "EPSG:4269",
	"etrs_1989":                                "EPSG:4258",
	"gcs_etrs_1989":                            "EPSG:4258",
}

// SRSFromWKT extracts an authority:code pair from a WKT1 CRS
// definition. The outermost AUTHORITY clause is listed last in WKT1,
// so the final match wins. When no clause is present the CRS name is
// checked against a small table of well-known definitions. Returns ""
// when the definition cannot be resolved.
func SRSFromWKT(wkt string) string {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return ""
	}
	if m := wktAuthority.FindAllStringSubmatch(wkt, -1); len(m) > 0 {
		last := m[len(m)-1]
		return fmt.Sprintf("%s:%s", strings.ToUpper(last[1]), last[2])
	}
	// First quoted string is the CRS name: GEOGCS["WGS 84",...].
	if i := strings.Index(wkt, `"`); i >= 0 {
		rest := wkt[i+1:]
		if j := strings.Index(rest, `"`); j >= 0 {
			name := strings.ToLower(strings.TrimSpace(rest[:j]))
			if code, ok := wellKnownCRS[name]; ok {
				return code
			}
		}
	}
	return ""
}

// ResolveSRS resolves a CRS definition to an authority code plus an
// optional coordinate transform. When the definition carries an
// authority clause or a well-known name the code is returned as is and
// the transform is nil. A projected definition that names a Mercator
// variant but resolves to no code is inverted to geographic
// coordinates on read instead, so the layer lands as EPSG:4326 and the
// input file stays untouched. Anything else returns "" and the caller
// assumes geographic.
func ResolveSRS(wkt string) (string, func(orb.Geometry) orb.Geometry) {
	if srs := SRSFromWKT(wkt); srs != "" {
		return srs, nil
	}
	if m := wktProjection.FindStringSubmatch(wkt); m != nil &&
		strings.Contains(strings.ToLower(m[1]), "mercator") {
		return "EPSG:4326", func(g orb.Geometry) orb.Geometry {
			return project.Geometry(g, project.Mercator.ToWGS84)
		}
	}
	return "", nil
}

// SidecarWKT reads the raw .prj sidecar next to path. Returns "" when
// no sidecar exists.
func SidecarWKT(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range []string{".prj", ".PRJ"} {
		data, err := os.ReadFile(base + ext)
		if err != nil {
			continue
		}
		return string(data)
	}
	return ""
}

// SidecarSRS reads the .prj sidecar next to path and resolves it to an
// authority code. Returns "" when no sidecar exists or it cannot be
// resolved.
func SidecarSRS(path string) string {
	return SRSFromWKT(SidecarWKT(path))
}
