package orchestrator

import (
	"math"
	"strings"
)

const bytesPerGB = 1024 * 1024 * 1024

// VolumeSizeBytes converts gigabytes to bytes; ok is false on overflow.
func VolumeSizeBytes(sizeGB uint64) (uint64, bool) {
	if sizeGB > math.MaxUint64/bytesPerGB {
		return 0, false
	}
	return sizeGB * bytesPerGB, true
}

// VolumeName is mriya-<slug>-cache, or mriya-cache when the project name has no usable characters.
func VolumeName(projectName string) string {
	slug := Slugify(projectName)
	if slug == "" {
		return "mriya-cache"
	}
	return "mriya-" + slug + "-cache"
}

// Slugify keeps lowercased ASCII letters and digits and collapses everything else into single dashes.
func Slugify(value string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r - 'A' + 'a')
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}
