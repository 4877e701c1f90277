// Package audio implements the PCM processing chain between decoded WebRTC
// frames and the STT wire format.
package audio

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
)

var (
	// ErrOddSampleCount is returned when interleaved stereo input has an
	// odd number of samples.
	ErrOddSampleCount = errors.New("stereo sample count must be even")
	// ErrInvalidRate is returned for non-positive sample rates.
	ErrInvalidRate = errors.New("sample rate must be positive")
	// ErrInvalidChannels is returned for channel counts other than 1 or 2.
	ErrInvalidChannels = errors.New("channel count must be 1 or 2")
)

// StereoToMono downmixes interleaved stereo samples by averaging each
// left/right pair. The average is computed in 32 bits so opposing extremes
// cannot overflow.
func StereoToMono(samples []int16) ([]int16, error) {
	if len(samples)%2 != 0 {
		return nil, ErrOddSampleCount
	}
	mono := make([]int16, len(samples)/2)
	for i := 0; i < len(mono); i++ {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return mono, nil
}

// Resample converts samples from srcRate to dstRate using linear
// interpolation. Equal rates return the input unchanged. The output length is
// the rounded rate-scaled input length.
func Resample(samples []int16, srcRate, dstRate int) ([]int16, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, ErrInvalidRate
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}

	outLen := int(math.Round(float64(len(samples)) * float64(dstRate) / float64(srcRate)))
	if outLen == 0 {
		return []int16{}, nil
	}

	out := make([]int16, outLen)
	step := float64(len(samples)-1) / float64(outLen-1)
	if outLen == 1 {
		step = 0
	}
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		v := float64(samples[idx])*(1-frac) + float64(samples[idx+1])*frac
		out[i] = clampInt16(v)
	}
	return out, nil
}

// Int16ToFloat32 scales signed 16-bit samples into [-1.0, 1.0).
func Int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts normalized samples back to signed 16-bit, clamping
// out-of-range values.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clampInt16(float64(s) * 32768.0)
	}
	return out
}

// EncodeFloat32LE serializes normalized samples as little-endian float32
// bytes, the binary format the STT service consumes.
func EncodeFloat32LE(samples []float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return buf
}

// PackFrame runs the full chain for one decoded frame: downmix to mono,
// resample to dstRate and serialize as little-endian float32 bytes.
func PackFrame(frame domain.PCMFrame, dstRate int) ([]byte, error) {
	samples := frame.Samples
	switch frame.Channels {
	case 1:
	case 2:
		mono, err := StereoToMono(samples)
		if err != nil {
			return nil, err
		}
		samples = mono
	default:
		return nil, ErrInvalidChannels
	}

	resampled, err := Resample(samples, frame.SampleRate, dstRate)
	if err != nil {
		return nil, err
	}
	return EncodeFloat32LE(Int16ToFloat32(resampled)), nil
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
