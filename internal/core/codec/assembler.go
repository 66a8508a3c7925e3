package codec

import (
	"encoding/binary"
	"fmt"
)

// Assembler reconstructs frame bodies from a stream of arbitrarily split reads.
// Partial state is kept between calls to Feed so a frame may arrive across any
// number of reads.
type Assembler struct {
	maxSize int

	header     [HeaderSize]byte
	headerRead int

	body     []byte
	bodyRead int
}

// NewAssembler returns an Assembler rejecting frames larger than maxSize. A
// maxSize of zero uses MaxFrameSize.
func NewAssembler(maxSize int) *Assembler {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &Assembler{maxSize: maxSize}
}

// Feed consumes bytes from data until either a frame body is complete or data
// is exhausted. It returns the number of bytes consumed and the completed body,
// if any. Callers should keep calling Feed with the remainder of data until it
// has all been consumed since a single read may contain several frames.
func (a *Assembler) Feed(data []byte) (int, []byte, error) {
	consumed := 0

	if a.body == nil {
		n := copy(a.header[a.headerRead:], data)
		a.headerRead += n
		consumed += n
		if a.headerRead < HeaderSize {
			return consumed, nil, nil
		}

		size := int(binary.BigEndian.Uint32(a.header[:]))
		if size == 0 || size > a.maxSize {
			return consumed, nil, fmt.Errorf("%w: invalid frame length %d", ErrFrame, size)
		}
		a.body = make([]byte, size)
		a.bodyRead = 0
	}

	n := copy(a.body[a.bodyRead:], data[consumed:])
	a.bodyRead += n
	consumed += n

	if a.bodyRead < len(a.body) {
		return consumed, nil, nil
	}

	body := a.body
	a.body = nil
	a.headerRead = 0
	return consumed, body, nil
}

// Pending reports whether a partially received frame is buffered.
func (a *Assembler) Pending() bool {
	return a.headerRead > 0
}
