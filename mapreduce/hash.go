package mapreduce

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// Partitioner routes a word to a worker index by hash(word) mod the
// worker count. The algorithm is picked by name so operators can trade
// speed for better spread.
type Partitioner struct {
	name    string
	workers int
	fn      func(string) uint64
}

// NewPartitioner builds a partitioner over n workers. Supported
// algorithms: "fnv" (FNV-1a 32-bit, the default), "fnv64" and
// "sha256".
func NewPartitioner(name string, n int) (*Partitioner, error) {
	if n <= 0 {
		return nil, fmt.Errorf("partitioner needs at least one worker, got %d", n)
	}
	var fn func(string) uint64
	switch name {
	case "", "fnv":
		name = "fnv"
		fn = func(word string) uint64 {
			h := fnv.New32a()
			h.Write([]byte(word))
			return uint64(h.Sum32())
		}
	case "fnv64":
		fn = func(word string) uint64 {
			h := fnv.New64a()
			h.Write([]byte(word))
			return h.Sum64()
		}
	case "sha256":
		fn = func(word string) uint64 {
			sum := sha256.Sum256([]byte(word))
			return binary.BigEndian.Uint64(sum[:8])
		}
	default:
		return nil, fmt.Errorf("unknown hash algorithm %q", name)
	}
	return &Partitioner{name: name, workers: n, fn: fn}, nil
}

// Index returns the destination worker for word, always in [0, n).
func (p *Partitioner) Index(word string) int {
	return int(p.fn(word) % uint64(p.workers))
}

func (p *Partitioner) Name() string { return p.name }
