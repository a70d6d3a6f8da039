package engine

import (
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// fingerprintPrefix bounds how much of a file contributes to its fingerprint.
// 1 MiB is enough to separate typical document batches without paying for
// full reads of large inputs.
const fingerprintPrefix = 1 << 20

// DuplicateDetector remembers content fingerprints and answers whether a file
// has been seen before. Collision resistance is not a goal; xxhash over the
// prefix is only meant to avoid accidental repeats within a batch.
type DuplicateDetector struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

func NewDuplicateDetector() *DuplicateDetector {
	return &DuplicateDetector{seen: make(map[uint64]struct{})}
}

// Fingerprint hashes the first fingerprintPrefix bytes of the file.
func (d *DuplicateDetector) Fingerprint(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, io.LimitReader(f, fingerprintPrefix)); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// Seen records fp and reports whether it was already known.
func (d *DuplicateDetector) Seen(fp uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = struct{}{}
	return false
}

// Reset forgets all fingerprints.
func (d *DuplicateDetector) Reset() {
	d.mu.Lock()
	d.seen = make(map[uint64]struct{})
	d.mu.Unlock()
}
