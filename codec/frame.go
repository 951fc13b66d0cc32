package codec

import "time"

// Frame is a timestamped chunk of encoded audio.
// A frame's payload is not modified once the frame has been produced.
type Frame struct {
	Format Format

	// Payload holds the encoded samples.
	Payload []byte

	// Timestamp is the offset of the first sample from the start of the stream.
	Timestamp time.Duration

	// Seq is the producer's sequence number for the frame.
	Seq int64
}

// Samples returns the number of samples in the frame.
func (f Frame) Samples() int {
	return SampleCount(f.Format, len(f.Payload))
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.Format.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.Format.SampleRate)
}

// SampleCount returns how many samples n encoded bytes hold in format f.
func SampleCount(f Format, n int) int {
	bps := f.BytesPerSample()
	if bps == 0 {
		return 0
	}
	return n / bps
}

// FrameBytes returns the encoded size of d worth of audio in format f.
// A 20ms Media Streams frame is 160 bytes.
func FrameBytes(f Format, d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BytesPerSample()
}
