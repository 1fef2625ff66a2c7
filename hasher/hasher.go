package hasher

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

var digestPool = sync.Pool{
	New: func() interface{} {
		return xxhash.New()
	},
}

// FacilityChecksum folds a facility name and its ordered event descriptors
// into the 32-bit checksum used for table placement and equality checks.
// Each part is NUL-terminated so ("ab","c") and ("a","bc") differ.
func FacilityChecksum(name string, parts ...string) uint32 {
	d := digestPool.Get().(*xxhash.Digest)
	d.Reset()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.Write([]byte{0})
	}
	sum := d.Sum64()
	digestPool.Put(d)
	return fold(sum)
}

func fold(sum uint64) uint32 {
	return uint32(sum>>32) ^ uint32(sum)
}
