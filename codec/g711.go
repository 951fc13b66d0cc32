package codec

const (
	mulawBias = 0x84
	mulawClip = 32635
)

var (
	mulawTable [256]int16
	alawTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		mulawTable[i] = mulawToLinear(byte(i))
		alawTable[i] = alawToLinear(byte(i))
	}
}

func mulawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + mulawBias) << exponent
	sample -= mulawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToMulaw(s int16) byte {
	sample := int32(s)
	var sign byte
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(sample>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func alawToLinear(a byte) int16 {
	a ^= 0x55
	t := int32(a&0x0F) << 4
	seg := (a & 0x70) >> 4
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

// alawSegmentEnd holds the upper bound of each A-law segment on the 13-bit scale.
var alawSegmentEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func linearToAlaw(s int16) byte {
	pcm := int32(s) >> 3
	mask := byte(0xD5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := 8
	for i, end := range alawSegmentEnd {
		if pcm <= end {
			seg = i
			break
		}
	}
	if seg >= 8 {
		return 0x7F ^ mask
	}

	aval := byte(seg) << 4
	if seg < 2 {
		aval |= byte(pcm>>1) & 0x0F
	} else {
		aval |= byte(pcm>>uint(seg)) & 0x0F
	}
	return aval ^ mask
}
