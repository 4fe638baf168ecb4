package formats

import (
	"path/filepath"
	"regexp"
	"strings"
)

// File type names reported by FileType and recorded on described
// layers. They mirror the driver names catalog clients expect.
const (
	TypeGeoJSON    = "GeoJSON"
	TypeCSV        = "CSV"
	TypeShapefile  = "ESRI Shapefile"
	TypeKML        = "KML"
	TypeGPX        = "GPX"
	TypeGeoPackage = "GPKG"
	TypeGeoTIFF    = "GTiff"
	TypePNG        = "PNG"
	TypeJPEG       = "JPEG"
	TypeZip        = "ZIP"
)

// DefaultValidExtensions is the upload whitelist applied when the
// configuration does not override it.
var DefaultValidExtensions = []string{
	"shp", "csv", "kml", "geojson", "json", "gpx", "gpkg",
	"tif", "tiff", "png", "jpg", "jpeg", "zip",
}

// NondataExtensions name sidecar files that accompany a dataset but
// are never a dataset themselves.
var NondataExtensions = []string{
	"shx", "dbf", "prj", "cpg", "qix", "sbn", "sbx", "xml", "qpj",
}

// IgnoreFiles are archive members skipped outright during member
// selection and validation.
var IgnoreFiles = []string{`__MACOSX/.*`, `\..*`, `.*\.txt`, `.*\.pdf`}

var ignorePatterns []*regexp.Regexp

func init() {
	for _, p := range IgnoreFiles {
		ignorePatterns = append(ignorePatterns, regexp.MustCompile("^"+p+"$"))
	}
}

// Ignored reports whether a file name matches the ignore list.
func Ignored(name string) bool {
	base := filepath.Base(name)
	for _, re := range ignorePatterns {
		if re.MatchString(base) || re.MatchString(name) {
			return true
		}
	}
	return false
}

// Ext returns the lowercased extension of path without the dot.
func Ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// typeForExt maps a file extension to the reported driver name.
func typeForExt(ext string) string {
	switch ext {
	case "geojson", "json":
		return TypeGeoJSON
	case "csv":
		return TypeCSV
	case "shp":
		return TypeShapefile
	case "kml":
		return TypeKML
	case "gpx":
		return TypeGPX
	case "gpkg":
		return TypeGeoPackage
	case "tif", "tiff":
		return TypeGeoTIFF
	case "png":
		return TypePNG
	case "jpg", "jpeg":
		return TypeJPEG
	case "zip":
		return TypeZip
	}
	return ""
}

// rasterExts are the extensions handled by the raster probe.
var rasterExts = map[string]bool{
	"tif": true, "tiff": true, "png": true, "jpg": true, "jpeg": true,
}

// IsRasterExt reports whether ext names a raster format.
func IsRasterExt(ext string) bool { return rasterExts[ext] }
