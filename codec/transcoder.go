package codec

// Transcoder converts payloads from one format to another.
//
// A Transcoder keeps scratch buffers between calls and must only be used by
// one goroutine at a time. Each call allocates only the returned payload.
type Transcoder struct {
	from Format
	to   Format

	samples   []int16
	resampled []int16
}

// NewTranscoder returns a Transcoder from one format to another.
// Unsupported formats are reported by Convert, once per frame.
func NewTranscoder(from, to Format) *Transcoder {
	return &Transcoder{from: from, to: to}
}

// From returns the input format.
func (t *Transcoder) From() Format { return t.from }

// To returns the output format.
func (t *Transcoder) To() Format { return t.to }

// Convert returns payload re-encoded in the output format.
func (t *Transcoder) Convert(payload []byte) ([]byte, error) {
	if err := t.from.Validate(); err != nil {
		return nil, err
	}
	if err := t.to.Validate(); err != nil {
		return nil, err
	}
	if t.from == t.to {
		if t.from.Encoding == PCM16 && len(payload)%2 != 0 {
			return nil, ErrOddPCMLength
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	}

	var err error
	t.samples, err = AppendDecode(t.samples[:0], payload, t.from)
	if err != nil {
		return nil, err
	}
	samples := t.samples
	if t.from.SampleRate != t.to.SampleRate {
		t.resampled, err = Resample(t.resampled[:0], t.samples, t.from.SampleRate, t.to.SampleRate)
		if err != nil {
			return nil, err
		}
		samples = t.resampled
	}
	return AppendEncode(make([]byte, 0, len(samples)*t.to.BytesPerSample()), samples, t.to)
}
