package sessions

import "strings"

const (
	defaultFilename = "report"
	maxFilenameLen  = 128
)

// SanitizeFilename lower-cases name, drops everything except [a-z0-9.-],
// collapses runs of '.' or '-' and trims them from both ends so the result
// can never walk out of a prefix.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.ToLower(name)

	var b strings.Builder
	var last rune
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.' || r == '-':
			if last == r {
				continue
			}
		case r == ' ' || r == '_':
			r = '-'
			if last == r {
				continue
			}
		default:
			continue
		}
		b.WriteRune(r)
		last = r
	}

	out := strings.Trim(b.String(), ".-")
	if len(out) > maxFilenameLen {
		out = strings.Trim(out[len(out)-maxFilenameLen:], ".-")
	}
	if out == "" {
		return defaultFilename
	}
	return out
}

// BlobKey builds the storage key for an uploaded report.
func BlobKey(id SessionID, filename string) string {
	return string(id) + "-" + SanitizeFilename(filename)
}
