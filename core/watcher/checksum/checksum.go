// Package checksum tracks content checksums of watched files so that a file
// that was only moved, not changed, can be recognized after its root is
// relocated.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// =============================================================================
// Constants
// =============================================================================

// bufferSize is the buffer size for streaming file reads (32KB).
const bufferSize = 32 * 1024

// maxConcurrentComputations limits concurrent checksum computations to
// prevent file handle exhaustion.
const maxConcurrentComputations = 16

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrTimeout indicates a computation did not finish within its timeout.
	ErrTimeout = errors.New("checksum computation timed out")

	// ErrForeignPath indicates a file outside the resource's directory.
	ErrForeignPath = errors.New("file is not a direct child of the resource directory")

	// ErrResourceExists indicates a relocation target is already tracked.
	ErrResourceExists = errors.New("checksum resource already exists")
)

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of one checksum computation.
type Result struct {
	// Path is the file that was hashed.
	Path string

	// Checksum is the hex-encoded SHA-256 of the content.
	Checksum string

	// Previous is the baseline the checksum was compared with, empty if the
	// file had none.
	Previous string

	// Changed is true when there was no baseline or it differs.
	Changed bool
}

// HasChanged reports whether the content differs from the baseline.
func (r Result) HasChanged() bool {
	return r.Changed
}

// =============================================================================
// Checksum Computation
// =============================================================================

// ComputeChecksum computes SHA-256 of a file using streaming IO.
func ComputeChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	return computeHashFromReader(file)
}

// computeHashFromReader computes SHA-256 hash from a reader.
func computeHashFromReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	buffer := make([]byte, bufferSize)

	if _, err := io.CopyBuffer(hasher, r, buffer); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
