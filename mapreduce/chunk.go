package mapreduce

import (
	"bytes"
	"io"
	"os"
)

// chunkOffset is a line-aligned [start, end) byte range of the split
// file processed by one parallel map unit.
type chunkOffset struct {
	start, end int64
}

// minChunkBytes disables chunking for files where the per-chunk share
// would be too small to pay for the extra goroutines.
const minChunkBytes = 4096

// computeChunks splits [0, size) into at most n line-aligned ranges.
// Boundaries are found by seeking to evenly spaced byte offsets and
// advancing to the byte after the next newline, so the ranges tile the
// file exactly with no gap or overlap. A nil result means chunking is
// not worthwhile and the caller should fall back to sequential
// scanning.
func computeChunks(f *os.File, size int64, n int) ([]chunkOffset, error) {
	if n < 2 || size == 0 || size/int64(n) < minChunkBytes {
		return nil, nil
	}
	approx := size / int64(n)
	bounds := []int64{0}
	for i := 1; i < n; i++ {
		target := int64(i) * approx
		if target <= bounds[len(bounds)-1] {
			continue
		}
		pos, err := nextLineStart(f, target, size)
		if err != nil {
			return nil, err
		}
		if pos >= size {
			break
		}
		if pos > bounds[len(bounds)-1] {
			bounds = append(bounds, pos)
		}
	}
	if len(bounds) < 2 {
		return nil, nil
	}
	chunks := make([]chunkOffset, len(bounds))
	for i, start := range bounds {
		end := size
		if i+1 < len(bounds) {
			end = bounds[i+1]
		}
		chunks[i] = chunkOffset{start: start, end: end}
	}
	return chunks, nil
}

// nextLineStart returns the offset of the first byte after the next
// newline at or past pos, or size if no newline remains.
func nextLineStart(f *os.File, pos, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for pos < size {
		n, err := f.ReadAt(buf, pos)
		if n > 0 {
			if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
				return pos + int64(i) + 1, nil
			}
			pos += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	return size, nil
}
