// Package audio provides PCM16 validation and segmentation for the
// client-to-upstream audio path.
//
// The framer is pure: it performs no I/O, has no state, and is safe for
// concurrent use. Raw little-endian PCM16 byte buffers are split into
// fixed-size chunks that are individually base64-encoded for transmission
// as input_audio_buffer.append payloads.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// DefaultChunkSize is the chunk size used for upstream audio appends.
// 12288 bytes is 6144 PCM16 samples, or 256 ms at 24 kHz mono.
const DefaultChunkSize = 12288

// ErrInvalidAudio indicates a buffer that cannot be PCM16: shorter than one
// sample or not a multiple of the 2-byte sample width.
var ErrInvalidAudio = errors.New("audio: invalid pcm16 buffer")

// LooksLikePCM16 reports whether b could be a little-endian PCM16 sample
// stream: non-empty and an even number of bytes. It is a structural check
// only; it does not inspect sample values.
func LooksLikePCM16(b []byte) bool {
	return len(b) >= 2 && len(b)%2 == 0
}

// Chunk splits b into contiguous, in-order chunks of exactly size bytes,
// except the final chunk which may be smaller. An empty buffer yields an
// empty slice. A non-empty buffer that is not sample-aligned returns
// [ErrInvalidAudio].
//
// The returned chunks are sub-slices of b; callers that retain them past
// the lifetime of b must copy.
func Chunk(b []byte, size int) ([][]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("audio: chunk size %d must be positive", size)
	}
	if len(b) == 0 {
		return [][]byte{}, nil
	}
	if !LooksLikePCM16(b) {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAudio, len(b))
	}

	chunks := make([][]byte, 0, (len(b)+size-1)/size)
	for start := 0; start < len(b); start += size {
		end := start + size
		if end > len(b) {
			end = len(b)
		}
		chunks = append(chunks, b[start:end])
	}
	return chunks, nil
}

// Base64Chunks splits b as [Chunk] does and encodes each chunk with
// standard base64. Decoding and concatenating the result reproduces b.
func Base64Chunks(b []byte, size int) ([]string, error) {
	chunks, err := Chunk(b, size)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = base64.StdEncoding.EncodeToString(c)
	}
	return out, nil
}
