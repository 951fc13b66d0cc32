// Package codec converts audio frames between the telephony wire encodings
// and 16-bit linear PCM.
//
// All conversions are stateless and preserve the sample count. The Append
// variants write into a caller supplied buffer and do not allocate when it
// has enough capacity, which keeps the per-frame cost of a live call at the
// output buffer alone.
package codec

import (
	"errors"
	"fmt"
)

// Encoding names an audio encoding.
type Encoding string

// Supported encodings.
const (
	// Mulaw is G.711 μ-law, one byte per sample.
	Mulaw Encoding = "audio/x-mulaw"

	// Alaw is G.711 A-law, one byte per sample.
	Alaw Encoding = "audio/x-alaw"

	// PCM16 is signed 16-bit little-endian linear PCM.
	PCM16 Encoding = "audio/x-l16"
)

// ErrUnsupportedEncoding is returned for encoding and sample rate pairs
// outside the supported set.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// ErrOddPCMLength is returned when a PCM16 payload does not hold a whole
// number of samples.
var ErrOddPCMLength = errors.New("pcm16 payload has odd length")

// Format is an encoding at a sample rate. Audio is always mono.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Telephony is the Media Streams format: μ-law at 8kHz.
var Telephony = Format{Encoding: Mulaw, SampleRate: 8000}

// UnsupportedEncodingError names the pair that could not be handled.
type UnsupportedEncodingError struct {
	Format Format
}

func (e *UnsupportedEncodingError) Error() string {
	return fmt.Sprintf("%s: %s@%d", ErrUnsupportedEncoding, e.Format.Encoding, e.Format.SampleRate)
}

// Unwrap lets errors.Is match ErrUnsupportedEncoding.
func (e *UnsupportedEncodingError) Unwrap() error {
	return ErrUnsupportedEncoding
}

var supported = map[Format]struct{}{
	{Encoding: Mulaw, SampleRate: 8000}:  {},
	{Encoding: Alaw, SampleRate: 8000}:   {},
	{Encoding: PCM16, SampleRate: 8000}:  {},
	{Encoding: PCM16, SampleRate: 16000}: {},
	{Encoding: PCM16, SampleRate: 24000}: {},
	{Encoding: PCM16, SampleRate: 48000}: {},
}

// Validate returns an *UnsupportedEncodingError if f is not supported.
func (f Format) Validate() error {
	if _, ok := supported[f]; !ok {
		return &UnsupportedEncodingError{Format: f}
	}
	return nil
}

// String returns the format as encoding@rate.
func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// BytesPerSample returns the encoded size of one sample, or 0 for an
// unknown encoding.
func (f Format) BytesPerSample() int {
	switch f.Encoding {
	case Mulaw, Alaw:
		return 1
	case PCM16:
		return 2
	}
	return 0
}

// Decode converts an encoded payload to PCM samples.
func Decode(payload []byte, f Format) ([]int16, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	n := len(payload)
	if f.Encoding == PCM16 {
		n /= 2
	}
	return AppendDecode(make([]int16, 0, n), payload, f)
}

// AppendDecode appends the samples of payload to dst.
func AppendDecode(dst []int16, payload []byte, f Format) ([]int16, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}
	switch f.Encoding {
	case Mulaw:
		for _, b := range payload {
			dst = append(dst, mulawTable[b])
		}
	case Alaw:
		for _, b := range payload {
			dst = append(dst, alawTable[b])
		}
	case PCM16:
		if len(payload)%2 != 0 {
			return dst, ErrOddPCMLength
		}
		for i := 0; i < len(payload); i += 2 {
			dst = append(dst, int16(uint16(payload[i])|uint16(payload[i+1])<<8))
		}
	}
	return dst, nil
}

// Encode converts PCM samples to an encoded payload.
func Encode(samples []int16, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return AppendEncode(make([]byte, 0, len(samples)*f.BytesPerSample()), samples, f)
}

// AppendEncode appends the encoding of samples to dst.
func AppendEncode(dst []byte, samples []int16, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return dst, err
	}
	switch f.Encoding {
	case Mulaw:
		for _, s := range samples {
			dst = append(dst, linearToMulaw(s))
		}
	case Alaw:
		for _, s := range samples {
			dst = append(dst, linearToAlaw(s))
		}
	case PCM16:
		for _, s := range samples {
			dst = append(dst, byte(s), byte(uint16(s)>>8))
		}
	}
	return dst, nil
}
