package datastore

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// File naming: active files carry a fixed base name; rotated files
// append ".<unix_millis>.<seq>".

func activeWALName(channel int) string {
	return fmt.Sprintf("pwal_%04x", channel)
}

func activeEpochName() string { return "epoch" }

var (
	rotatedWALPattern = regexp.MustCompile(`^pwal_[0-9a-f]{4}\.\d+\.\d+$`)
	walChannelPattern = regexp.MustCompile(`^pwal_([0-9a-f]{4})`)
)

// rotatedName appends the rotation suffix to base using the current wall
// clock and a caller-supplied sequence number (monotonic per base name,
// to disambiguate same-millisecond rotations).
func rotatedName(base string, seq int) string {
	return fmt.Sprintf("%s.%d.%d", base, time.Now().UnixMilli(), seq)
}

// isRotatedWAL reports whether name is a rotated (not active, not
// compacted) pwal file for any channel.
func isRotatedWAL(name string) bool {
	return rotatedWALPattern.MatchString(name)
}

// isCompactedFile reports whether name is a compacted image
// (pwal_<channel>.compacted).
func isCompactedFile(name string) bool {
	return strings.HasSuffix(name, ".compacted")
}

// walChannelOf extracts the channel index from a pwal_ file name (active
// or rotated).
func walChannelOf(name string) (int, bool) {
	m := walChannelPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseInt(m[1], 16, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}

func baseName(path string) string { return filepath.Base(path) }
