package codec

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkSize keeps a hex encoded frame under the data channel message limit.
const DefaultChunkSize = 16 * 1024

// Chunk is one fixed-size slice of the source tagged with its position.
type Chunk struct {
	Sequence     int
	Data         []byte
	IsLast       bool
	Verification string // completion token, last chunk only
}

// ChunkCount returns ceil(size/chunkSize). An empty file is a single empty chunk.
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 1
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Encoder lazily slices a source into chunks. Chunk i is a pure function of
// its offset, so iteration can restart from any index.
type Encoder struct {
	src       io.ReaderAt
	size      int64
	chunkSize int
	total     int
	next      int
}

// NewEncoder creates an encoder over size bytes of src.
func NewEncoder(src io.ReaderAt, size int64, chunkSize int) (*Encoder, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be greater than 0, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("negative source size %d", size)
	}
	return &Encoder{
		src:       src,
		size:      size,
		chunkSize: chunkSize,
		total:     ChunkCount(size, chunkSize),
	}, nil
}

// Total returns the number of chunks the source produces.
func (e *Encoder) Total() int {
	return e.total
}

// Size returns the source length in bytes.
func (e *Encoder) Size() int64 {
	return e.size
}

// Chunk reads chunk i from the source.
func (e *Encoder) Chunk(i int) (Chunk, error) {
	if i < 0 || i >= e.total {
		return Chunk{}, fmt.Errorf("chunk index %d out of range [0,%d)", i, e.total)
	}

	offset := int64(i) * int64(e.chunkSize)
	length := int64(e.chunkSize)
	if remaining := e.size - offset; remaining < length {
		length = remaining
	}

	buf := make([]byte, length)
	if length > 0 {
		n, err := e.src.ReadAt(buf, offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
			return Chunk{}, fmt.Errorf("failed to read chunk %d: %w", i, err)
		}
	}

	return Chunk{
		Sequence: i,
		Data:     buf,
		IsLast:   i == e.total-1,
	}, nil
}

// Seek positions the iterator so that the next call to Next returns chunk i.
func (e *Encoder) Seek(i int) error {
	if i < 0 || i > e.total {
		return fmt.Errorf("chunk index %d out of range [0,%d]", i, e.total)
	}
	e.next = i
	return nil
}

// Next returns the next chunk in order, or io.EOF after the last one.
func (e *Encoder) Next() (Chunk, error) {
	if e.next >= e.total {
		return Chunk{}, io.EOF
	}
	c, err := e.Chunk(e.next)
	if err != nil {
		return Chunk{}, err
	}
	e.next++
	return c, nil
}

// Reassemble joins parts in sequence order 0..total-1. When the set is not
// dense it returns no data, the number of gaps and the lowest missing
// sequence number.
func Reassemble(parts map[int][]byte, total int) (out []byte, missing int, first int) {
	first = -1
	size := 0
	for i := range total {
		p, ok := parts[i]
		if !ok {
			if missing == 0 {
				first = i
			}
			missing++
			continue
		}
		size += len(p)
	}
	if missing > 0 {
		return nil, missing, first
	}

	out = make([]byte, 0, size)
	for i := range total {
		out = append(out, parts[i]...)
	}
	return out, 0, -1
}
