package segment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNoSuchSegment is returned when a segment does not exist
	ErrNoSuchSegment = errors.New("segment does not exist")
	// ErrCorrupt is returned when a stored or received segment
	// cannot be decoded
	ErrCorrupt = errors.New("segment is corrupt")
)

const headerSize = 8

// Segment is the unit of storage and of transfer. A segment is
// immutable once written: its id is never reused for different
// contents.
type Segment struct {
	ID uuid.UUID
	// Generation is the garbage collection generation the
	// segment was written in
	Generation int
	// References lists the segments this segment points to
	References []uuid.UUID
	Data       []byte
}

// New creates a segment with a fresh id
func New(generation int, data []byte, references ...uuid.UUID) Segment {
	return Segment{
		ID:         uuid.New(),
		Generation: generation,
		References: references,
		Data:       data,
	}
}

// Marshal encodes everything but the id:
//   [generation uint32][reference count uint32][16 bytes per reference][data]
func (segment Segment) Marshal() []byte {
	b := make([]byte, headerSize+16*len(segment.References)+len(segment.Data))
	binary.BigEndian.PutUint32(b[0:4], uint32(segment.Generation))
	binary.BigEndian.PutUint32(b[4:8], uint32(len(segment.References)))

	offset := headerSize

	for _, reference := range segment.References {
		copy(b[offset:offset+16], reference[:])
		offset += 16
	}

	copy(b[offset:], segment.Data)

	return b
}

// Unmarshal decodes a segment encoded by Marshal. The
// returned segment does not alias b.
func Unmarshal(id uuid.UUID, b []byte) (Segment, error) {
	if len(b) < headerSize {
		return Segment{}, fmt.Errorf("%w: %d byte header is too short", ErrCorrupt, len(b))
	}

	segment := Segment{
		ID:         id,
		Generation: int(binary.BigEndian.Uint32(b[0:4])),
	}

	n := int(binary.BigEndian.Uint32(b[4:8]))

	if n < 0 || len(b)-headerSize < 16*n {
		return Segment{}, fmt.Errorf("%w: %d references do not fit in %d bytes", ErrCorrupt, n, len(b))
	}

	offset := headerSize

	if n > 0 {
		segment.References = make([]uuid.UUID, n)
	}

	for i := 0; i < n; i++ {
		copy(segment.References[i][:], b[offset:offset+16])
		offset += 16
	}

	segment.Data = append([]byte{}, b[offset:]...)

	return segment, nil
}
