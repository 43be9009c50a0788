package versioning

import (
	"errors"
	"path"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"agstudio/internal/blob"
)

// ErrInvalidPath is returned for logical paths that are empty or try to
// leave the storage root.
var ErrInvalidPath = errors.New("invalid file path")

// NormalizePath canonicalises a client-supplied logical path: NFC unicode
// form, forward slashes, no leading slash. Paths containing ".." segments
// are rejected rather than resolved, as are paths inside blob.StagingDir.
func NormalizePath(raw string) (string, error) {
	p := norm.NFC.String(strings.TrimSpace(raw))
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", ErrInvalidPath
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == blob.StagingDir || strings.HasPrefix(cleaned, blob.StagingDir+"/") {
		return "", ErrInvalidPath
	}
	return cleaned, nil
}

// Ext returns the extension of the final path element including the dot.
// Dotfiles and names ending in a dot have no extension.
func Ext(p string) string {
	name := p
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		name = p[idx+1:]
	}
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return name[idx:]
}

// HistoryPathFor returns the history key of version v of p: the version is
// appended to the full path and the original extension repeated, so
// "a/b.wav" version 2 becomes "a/b.wav.2.wav" and "a/b" becomes "a/b.2".
func HistoryPathFor(p string, version int) string {
	return p + "." + strconv.Itoa(version) + Ext(p)
}

// ParseVersion extracts the version encoded in candidate when it is a
// history key of p. Anything else, including zero, negative or overflowing
// numbers, reports false.
func ParseVersion(p, candidate string) (int, bool) {
	prefix := p + "."
	suffix := Ext(p)
	if !strings.HasPrefix(candidate, prefix) {
		return 0, false
	}
	rest := candidate[len(prefix):]
	if !strings.HasSuffix(rest, suffix) {
		return 0, false
	}
	digits := rest[:len(rest)-len(suffix)]
	if digits == "" {
		return 0, false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, false
		}
	}
	version, err := strconv.Atoi(digits)
	if err != nil || version < 1 {
		return 0, false
	}
	return version, true
}
