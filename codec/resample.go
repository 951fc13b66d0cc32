package codec

import "fmt"

// Resample appends src, converted from fromRate to toRate, to dst.
//
// Only integer ratios are supported. Upsampling interpolates linearly
// between neighbouring samples; downsampling averages each group of input
// samples, so a trailing partial group still yields one output sample.
func Resample(dst, src []int16, fromRate, toRate int) ([]int16, error) {
	switch {
	case fromRate <= 0 || toRate <= 0:
		return dst, fmt.Errorf("%w: resample %d->%d", ErrUnsupportedEncoding, fromRate, toRate)
	case fromRate == toRate:
		return append(dst, src...), nil
	case toRate > fromRate && toRate%fromRate == 0:
		return upsample(dst, src, toRate/fromRate), nil
	case fromRate > toRate && fromRate%toRate == 0:
		return downsample(dst, src, fromRate/toRate), nil
	}
	return dst, fmt.Errorf("%w: resample %d->%d", ErrUnsupportedEncoding, fromRate, toRate)
}

// ResampledLen returns how many samples Resample produces for n input samples.
func ResampledLen(n, fromRate, toRate int) int {
	switch {
	case fromRate <= 0 || toRate <= 0:
		return 0
	case toRate >= fromRate:
		return n * (toRate / fromRate)
	}
	factor := fromRate / toRate
	return (n + factor - 1) / factor
}

func upsample(dst, src []int16, factor int) []int16 {
	for i, a := range src {
		b := a
		if i+1 < len(src) {
			b = src[i+1]
		}
		step := int32(b) - int32(a)
		for j := 0; j < factor; j++ {
			dst = append(dst, int16(int32(a)+step*int32(j)/int32(factor)))
		}
	}
	return dst
}

func downsample(dst, src []int16, factor int) []int16 {
	for i := 0; i < len(src); i += factor {
		end := i + factor
		if end > len(src) {
			end = len(src)
		}
		var sum int32
		for _, s := range src[i:end] {
			sum += int32(s)
		}
		dst = append(dst, int16(sum/int32(end-i)))
	}
	return dst
}
