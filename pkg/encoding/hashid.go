package encoding

import (
	"golang.org/x/crypto/blake2b"

	"github.com/laulauland/tandem/pkg/types"
)

// OpOrViewIDLength is the fixed length (in bytes) of every operation and
// view ID (spec.md §3, §6).
const OpOrViewIDLength = 64

// HashOperationID derives an operation ID by hashing the canonical encoding
// of its decoded structure (spec.md I2). The schema tag distinguishes
// operation hashes from view hashes so the two ID spaces never collide even
// though both are 64 bytes over the same hash function.
func HashOperationID(canon []byte) types.ID {
	return hash("tandem-op-v1", canon)
}

// HashViewID derives a view ID the same way.
func HashViewID(canon []byte) types.ID {
	return hash("tandem-view-v1", canon)
}

func hash(domain string, canon []byte) types.ID {
	h, err := blake2b.New(OpOrViewIDLength, nil)
	if err != nil {
		// blake2b.New only errors on an out-of-range size or bad key; both
		// are programmer errors given the constant above.
		panic(err)
	}
	_, _ = h.Write([]byte(domain))
	_, _ = h.Write(canon)
	return types.ID(h.Sum(nil))
}
