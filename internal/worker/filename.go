package worker

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxFilenameLen is a conservative per-name limit shared by the filesystems
// we care about (NAME_MAX on Linux).
const maxFilenameLen = 255

// CleanFilename reduces arbitrary prompt text to a filename that is safe on
// any filesystem and URL path: NFKD-normalise, drop non-ASCII, keep only
// [A-Za-z0-9_.() ], turn spaces into underscores, drop doubled underscores,
// truncate to the name limit minus the suffix, then append the suffix.
func CleanFilename(text, suffix string) string {
	limit := maxFilenameLen - len(suffix)
	name := sanitizeName(text)
	if len(name) > limit {
		name = name[:limit]
	}
	return name + suffix
}

// sanitizeName is the suffix-free core of CleanFilename. It is idempotent:
// its output only contains characters it passes through unchanged.
func sanitizeName(text string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(text) {
		if r > 127 {
			continue
		}
		c := byte(r)
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_' || c == '.' || c == '(' || c == ')':
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('_')
		}
	}
	return strings.ReplaceAll(b.String(), "__", "")
}
