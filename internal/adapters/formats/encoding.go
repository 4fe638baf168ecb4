// Package formats provides the format drivers behind the inspector
// ports: GeoPackage, GeoJSON, shapefile, CSV, KML, GPX, rasters and zip
// archives, each mapping its native structure onto the uniform
// describe-and-open contract.
package formats

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// charsetAliases normalizes the code-page spellings seen in sidecar
// encoding files to a decoder. Keys are compared after lowercasing and
// stripping "-" and "_".
var charsetAliases = map[string]encoding.Encoding{
	"utf8":        unicode.UTF8,
	"utf":         unicode.UTF8,
	"unicode":     unicode.UTF8,
	"ascii":       charmap.Windows1252, // ASCII-declared files in the wild are usually 1252
	"usascii":     charmap.Windows1252,
	"latin1":      charmap.ISO8859_1,
	"iso88591":    charmap.ISO8859_1,
	"88591":       charmap.ISO8859_1,
	"iso885915":   charmap.ISO8859_15,
	"cp1250":      charmap.Windows1250,
	"windows1250": charmap.Windows1250,
	"1250":        charmap.Windows1250,
	"cp1251":      charmap.Windows1251,
	"windows1251": charmap.Windows1251,
	"1251":        charmap.Windows1251,
	"cp1252":      charmap.Windows1252,
	"windows1252": charmap.Windows1252,
	"1252":        charmap.Windows1252,
	"ansi":        charmap.Windows1252,
	"cp437":       charmap.CodePage437,
	"437":         charmap.CodePage437,
	"cp850":       charmap.CodePage850,
	"850":         charmap.CodePage850,
	"koi8r":       charmap.KOI8R,
}

// normalizeCharset canonicalizes a declared charset name for alias
// lookup.
func normalizeCharset(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, " ", "")
	return name
}

// DecoderFor returns the decoder for a declared charset name, or nil
// for UTF-8 and unknown names (UTF-8 needs no transformation).
func DecoderFor(name string) *encoding.Decoder {
	enc, ok := charsetAliases[normalizeCharset(name)]
	if !ok || enc == unicode.UTF8 {
		return nil
	}
	return enc.NewDecoder()
}

// SidecarEncoding looks for the encoding-declaration sidecar next to a
// source file (shapefile .cpg convention) and returns the declared
// charset name, or "" when none is present or parseable.
func SidecarEncoding(path string) string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	for _, ext := range []string{".cpg", ".CPG"} {
		data, err := os.ReadFile(base + ext)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(data))
		if name == "" {
			continue
		}
		// Take only the first line; some tools append comments.
		if i := strings.IndexAny(name, "\r\n"); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		return name
	}
	return ""
}

// DecodeString decodes raw attribute bytes under the declared charset.
// A failed strict decode falls back to a lossy one rather than
// propagating the failure: one bad value must never abort a layer.
func DecodeString(raw string, dec *encoding.Decoder) (string, bool) {
	if dec == nil {
		if utf8.ValidString(raw) {
			return raw, true
		}
		return strings.ToValidUTF8(raw, "�"), false
	}
	out, err := dec.String(raw)
	if err == nil && utf8.ValidString(out) {
		return out, true
	}
	return strings.ToValidUTF8(raw, "�"), false
}
