// Package naming turns arbitrary input strings into identifiers safe for
// database tables, layers and files, and deterministically resolves name
// collisions. Launder and Increment are pure string functions; they are
// the only thing standing between a name collision and a destructive
// overwrite, so their behavior is pinned down by tests.
package naming

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jobrunner/strata/internal/domain"
)

// MaxAttempts bounds every collision-retry loop. Exceeding it fails
// explicitly instead of looping forever.
const MaxAttempts = 100

var (
	nonAlnum = regexp.MustCompile(`[^0-9a-zA-Z]+`)
	lastNum  = regexp.MustCompile(`(?:[^\d]*(\d+)[^\d]*)+`)
)

// Launder maps an arbitrary string to a safe identifier: every run of
// non-alphanumeric characters becomes a single underscore and the result
// is lowercased. Laundering is idempotent.
func Launder(s string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(s), "_")
}

// Increment locates the last maximal run of digits in s and increments
// that number in place, preserving the surrounding text and growing the
// digit width when needed ("test9" becomes "test10", "layer_08" becomes
// "layer_09"). A string without digits gets a trailing "0".
func Increment(s string) string {
	m := lastNum.FindStringSubmatchIndex(s)
	if m == nil {
		return s + "0"
	}
	start, end := m[2], m[3]
	n, err := strconv.ParseInt(s[start:end], 10, 64)
	if err != nil {
		return s + "0"
	}
	next := strconv.FormatInt(n+1, 10)
	cut := end - len(next)
	if cut < start {
		cut = start
	}
	return s[:cut] + next + s[end:]
}

// IncrementFilename returns filename if nothing exists at that path, or
// the first numbered variant ("name1.ext", "name2.ext", ...) that does
// not exist. After MaxAttempts variants it returns ErrFileExists rather
// than risking an overwrite.
func IncrementFilename(filename string) (string, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return filename, nil
	}

	dir := filepath.Dir(filename)
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	root := strings.TrimSuffix(base, ext)

	for i := 1; i <= MaxAttempts; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s%d%s", root, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrFileExists, filename)
}

// Uniquish returns "<base>_<8 hex chars>", a probably-unique layer name.
// An empty base is replaced by 16 random hex characters.
func Uniquish(base string) string {
	if base == "" {
		base = uuid.New().String()
		base = strings.ReplaceAll(base, "-", "")[:16]
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return base + "_" + suffix
}
