package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextcloud/talk-transcription-bridge/internal/domain"
)

func TestStereoToMonoAverages(t *testing.T) {
	mono, err := StereoToMono([]int16{1000, 2000, -1000, -2000, 0, 100})
	require.NoError(t, err)
	assert.Equal(t, []int16{1500, -1500, 50}, mono)
}

func TestStereoToMonoExtremesNoOverflow(t *testing.T) {
	mono, err := StereoToMono([]int16{math.MaxInt16, math.MaxInt16, math.MinInt16, math.MinInt16})
	require.NoError(t, err)
	assert.Equal(t, []int16{math.MaxInt16, math.MinInt16}, mono)
}

func TestStereoToMonoOddInput(t *testing.T) {
	_, err := StereoToMono([]int16{1, 2, 3})
	assert.ErrorIs(t, err, ErrOddSampleCount)
}

func TestResampleIdentity(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	out, err := Resample(in, 24000, 24000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResampleHalvesLength(t *testing.T) {
	in := make([]int16, 960)
	for i := range in {
		in[i] = 1500
	}
	out, err := Resample(in, 48000, 24000)
	require.NoError(t, err)
	require.Len(t, out, 480)
	for _, s := range out {
		assert.Equal(t, int16(1500), s)
	}
}

func TestResampleUpsamples(t *testing.T) {
	out, err := Resample([]int16{0, 1000}, 8000, 16000)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(1000), out[3])
	// Intermediate samples are interpolated monotonically.
	assert.LessOrEqual(t, out[0], out[1])
	assert.LessOrEqual(t, out[1], out[2])
	assert.LessOrEqual(t, out[2], out[3])
}

func TestResampleInvalidRate(t *testing.T) {
	_, err := Resample([]int16{1}, 0, 24000)
	assert.ErrorIs(t, err, ErrInvalidRate)
	_, err = Resample([]int16{1}, 48000, -1)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestInt16ToFloat32Range(t *testing.T) {
	out := Int16ToFloat32([]int16{0, math.MaxInt16, math.MinInt16})
	assert.InDelta(t, 0.0, out[0], 1e-9)
	assert.InDelta(t, 0.99997, out[1], 1e-4)
	assert.InDelta(t, -1.0, out[2], 1e-9)
}

// Converting to float32 and back is the identity over the whole int16 range:
// every n/32768 is exactly representable.
func TestFloatRoundTripIsIdentity(t *testing.T) {
	samples := []int16{math.MinInt16, -12345, -1, 0, 1, 999, 12345, math.MaxInt16}
	assert.Equal(t, samples, Float32ToInt16(Int16ToFloat32(samples)))
}

func TestResampleLengthIsRateScaled(t *testing.T) {
	cases := []struct{ n, src, dst int }{
		{960, 48000, 24000},
		{960, 48000, 16000},
		{441, 44100, 48000},
		{100, 8000, 24000},
		{7, 24000, 48000},
	}
	for _, c := range cases {
		out, err := Resample(make([]int16, c.n), c.src, c.dst)
		require.NoError(t, err)
		want := int(math.Round(float64(c.n) * float64(c.dst) / float64(c.src)))
		assert.Len(t, out, want, "n=%d src=%d dst=%d", c.n, c.src, c.dst)
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	out := Float32ToInt16([]float32{0, 1.5, -1.5, 0.5})
	assert.Equal(t, []int16{0, math.MaxInt16, math.MinInt16, 16384}, out)
}

// A constant 48 kHz stereo frame with L=1000, R=2000 must come out as 480
// mono floats of roughly 1500/32768.
func TestPackFrameStereo48kToMono24k(t *testing.T) {
	samples := make([]int16, 1920)
	for i := 0; i < len(samples); i += 2 {
		samples[i] = 1000
		samples[i+1] = 2000
	}

	buf, err := PackFrame(domain.PCMFrame{Samples: samples, SampleRate: 48000, Channels: 2}, 24000)
	require.NoError(t, err)
	require.Len(t, buf, 480*4)

	for i := 0; i < 480; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		assert.InDelta(t, 0.04578, float64(v), 0.01)
	}
}

func TestPackFrameRejectsBadChannels(t *testing.T) {
	_, err := PackFrame(domain.PCMFrame{Samples: []int16{1}, SampleRate: 48000, Channels: 3}, 24000)
	assert.ErrorIs(t, err, ErrInvalidChannels)
}
