package audio

import "math"

// Layout describes multi-channel sample ordering.
type Layout int

const (
	// LayoutInterleaved is sample-major: channels alternate per sample
	// (L0,R0,L1,R1,...). This is the canonical layout downstream of the
	// stream decoder.
	LayoutInterleaved Layout = iota
	// LayoutPlanar is channel-major: all samples of one channel, then the
	// next (L0,L1,...,R0,R1,...). Some codec paths produce this natively.
	LayoutPlanar
)

// PCM is a decoded sample buffer plus the metadata needed to interpret it.
// Planar data is stored as concatenated per-channel planes in Data.
type PCM struct {
	Data       []int16
	Channels   int
	SampleRate int
	Layout     Layout
}

// Interleaved returns the samples in canonical interleaved layout,
// transposing planar input. Already-interleaved data is returned as-is.
func (p PCM) Interleaved() []int16 {
	if p.Layout == LayoutInterleaved || p.Channels <= 1 {
		return p.Data
	}
	return Interleave(p.Data, p.Channels)
}

// Interleave transposes channel-major (planar) samples into sample-major
// (interleaved) order. This is the single owning implementation of the
// conversion; decode paths must route through it rather than re-implement
// the transpose. Trailing samples that do not fill a whole frame across all
// channels are dropped.
func Interleave(planar []int16, channels int) []int16 {
	if channels <= 1 {
		return planar
	}

	perChannel := len(planar) / channels
	out := make([]int16, perChannel*channels)
	for ch := 0; ch < channels; ch++ {
		plane := planar[ch*perChannel : (ch+1)*perChannel]
		for i, s := range plane {
			out[i*channels+ch] = s
		}
	}
	return out
}

// BytesLE converts int16 PCM samples to little-endian bytes, the wire
// encoding expected by the transcription service (linear16).
func BytesLE(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// Int16sLE converts little-endian bytes to int16 PCM samples.
func Int16sLE(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// RMS calculates the root mean square of audio samples. Used for
// debug-level audio level reporting on decoded frames.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
