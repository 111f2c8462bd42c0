// Package blobpath resolves BLOB ids to file-system paths, bucketing
// files across a fixed number of subdirectories so that no single
// directory accumulates an unbounded number of entries.
//
// BLOB files are named as 16 lowercase hex digits followed by ".blob" and
// live under <base>/blob/dir_NN/, NN chosen by id mod DirectoryCount.
package blobpath

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/beaver-ledger/ledgerstore/pkg/ledger"
)

// DefaultDirectoryCount is the number of subdirectories BLOB files are
// distributed across.
const DefaultDirectoryCount = 100

// Resolver maps BLOB ids to file-system paths under a base directory's
// "blob" subdirectory, with precomputed subdirectory names.
type Resolver struct {
	blobRoot       string
	directoryCount int
	dirNames       []string
}

// New constructs a Resolver rooted at <baseDirectory>/blob. directoryCount
// <= 0 selects DefaultDirectoryCount.
func New(baseDirectory string, directoryCount int) *Resolver {
	if directoryCount <= 0 {
		directoryCount = DefaultDirectoryCount
	}
	r := &Resolver{
		blobRoot:       filepath.Join(baseDirectory, "blob"),
		directoryCount: directoryCount,
		dirNames:       make([]string, directoryCount),
	}
	for i := 0; i < directoryCount; i++ {
		r.dirNames[i] = fmt.Sprintf("dir_%02d", i)
	}
	return r
}

// BlobRoot returns the root directory the garbage collector scans from.
func (r *Resolver) BlobRoot() string { return r.blobRoot }

// DirectoryCount returns the number of bucket subdirectories.
func (r *Resolver) DirectoryCount() int { return r.directoryCount }

// ResolvePath returns the full path for the given BLOB id.
func (r *Resolver) ResolvePath(id ledger.BlobID) string {
	idx := uint64(id) % uint64(r.directoryCount)
	return filepath.Join(r.blobRoot, r.dirNames[idx], fileName(id))
}

func fileName(id ledger.BlobID) string {
	return fmt.Sprintf("%016x.blob", uint64(id))
}

const blobFileNameLen = 16 + len(".blob")

// IsBlobFile reports whether path's file name is a valid BLOB file name:
// exactly 16 lowercase-or-uppercase hex digits followed by ".blob".
func IsBlobFile(path string) bool {
	name := filepath.Base(path)
	if len(name) != blobFileNameLen {
		return false
	}
	if name[16:] != ".blob" {
		return false
	}
	for i := 0; i < 16; i++ {
		c := name[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return false
		}
	}
	return true
}

// ExtractBlobID parses the BLOB id out of a path whose base name already
// satisfies IsBlobFile. The second return value is false if the name is
// not well-formed.
func ExtractBlobID(path string) (ledger.BlobID, bool) {
	if !IsBlobFile(path) {
		return 0, false
	}
	name := filepath.Base(path)
	v, err := strconv.ParseUint(strings.ToLower(name[:16]), 16, 64)
	if err != nil {
		return 0, false
	}
	return ledger.BlobID(v), true
}
