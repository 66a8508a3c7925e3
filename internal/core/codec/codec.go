// Package codec converts packet payloads to and from the framed wire format.
//
// Every frame on the wire is a 4-byte big-endian length followed by that many
// bytes of body. A body begins with a one byte stage tag describing how the rest
// of it should be interpreted:
//
//	'j'  plain payload
//	'z'  gzip compressed body, which is itself a tagged body
//	'e'  16-byte IV + AES-128-CBC ciphertext of a tagged body
//
// Stages nest in the order encrypted(compressed(plain)).
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/dcrodman/tttworld/internal/core/crypto"
)

const (
	StagePlain      byte = 'j'
	StageCompressed byte = 'z'
	StageEncrypted  byte = 'e'

	// HeaderSize is the size of the length prefix.
	HeaderSize = 4
	// MaxFrameSize bounds the length prefix a peer may announce.
	MaxFrameSize = 1 << 20
	// MaxPayloadSize bounds the size of a decompressed payload.
	MaxPayloadSize = 4 * MaxFrameSize
)

var (
	// ErrFrame is returned for structurally invalid frames.
	ErrFrame = errors.New("malformed frame")
	// ErrCrypto is returned when a body cannot be decrypted or decompressed.
	ErrCrypto = errors.New("unable to decode frame body")
)

// Wrap applies the stages to a plain payload. Payloads at least threshold bytes
// long are compressed unless threshold is negative, and the result is encrypted
// if key is non-nil.
func Wrap(payload []byte, threshold int, key []byte) ([]byte, error) {
	body := make([]byte, 0, len(payload)+1)
	body = append(body, StagePlain)
	body = append(body, payload...)

	if threshold >= 0 && len(payload) >= threshold {
		var buf bytes.Buffer
		buf.WriteByte(StageCompressed)
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("error compressing payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("error compressing payload: %w", err)
		}
		body = buf.Bytes()
	}

	if key != nil {
		encrypted, err := crypto.EncryptSymmetric(key, body)
		if err != nil {
			return nil, fmt.Errorf("error encrypting payload: %w", err)
		}
		body = append([]byte{StageEncrypted}, encrypted...)
	}

	return body, nil
}

// Unwrap reverses Wrap, returning the plain payload. Encrypted bodies require a
// key; receiving one before a key has been negotiated is an error.
func Unwrap(body []byte, key []byte) ([]byte, error) {
	// Each stage may appear at most once, outermost first.
	allowed := []byte{StageEncrypted, StageCompressed, StagePlain}

	for {
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: empty body", ErrFrame)
		}

		tag := body[0]
		for len(allowed) > 0 && allowed[0] != tag {
			allowed = allowed[1:]
		}
		if len(allowed) == 0 {
			return nil, fmt.Errorf("%w: unexpected stage tag %q", ErrFrame, tag)
		}
		allowed = allowed[1:]

		switch tag {
		case StagePlain:
			return body[1:], nil
		case StageCompressed:
			inflated, err := decompress(body[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
			}
			body = inflated
		case StageEncrypted:
			if key == nil {
				return nil, fmt.Errorf("%w: encrypted frame received without a session key", ErrCrypto)
			}
			decrypted, err := crypto.DecryptSymmetric(key, body[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
			}
			body = decrypted
		}
	}
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	inflated, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(inflated) > MaxPayloadSize {
		return nil, errors.New("decompressed payload too large")
	}
	return inflated, nil
}

// Frame prepends the length prefix to a body.
func Frame(body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame
}

// Encode is Wrap followed by Frame.
func Encode(payload []byte, threshold int, key []byte) ([]byte, error) {
	body, err := Wrap(payload, threshold, key)
	if err != nil {
		return nil, err
	}
	return Frame(body), nil
}
