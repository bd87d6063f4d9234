package media

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/johnbuck/voxbridge/internal/audio"
)

const (
	// Opus decoders always output 48 kHz.
	opusOutputRate = 48000
	// Largest legal Opus frame is 120 ms: 5760 samples per channel at 48 kHz.
	opusMaxFrameSize = opusOutputRate * 120 / 1000
)

// opusCodec wraps a gopus decoder for one session's stream. Decoder state
// must persist across packets, so one instance lives for the whole session.
type opusCodec struct {
	dec  *gopus.Decoder
	info CodecInfo
}

// NewOpusCodec creates an Opus packet decoder from the parsed OpusHead.
// The header's input rate is informational only; decoded output is always
// 48 kHz, and that is the rate reported downstream.
func NewOpusCodec(info CodecInfo) (Codec, error) {
	dec, err := gopus.NewDecoder(opusOutputRate, info.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	info.SampleRate = opusOutputRate
	return &opusCodec{dec: dec, info: info}, nil
}

func (c *opusCodec) Decode(packet []byte) (audio.PCM, error) {
	pcm, err := c.dec.Decode(packet, opusMaxFrameSize, false)
	if err != nil {
		return audio.PCM{}, fmt.Errorf("opus decode: %w", err)
	}
	return audio.PCM{
		Data:       pcm,
		Channels:   c.info.Channels,
		SampleRate: opusOutputRate,
		Layout:     audio.LayoutInterleaved,
	}, nil
}

func (c *opusCodec) Info() CodecInfo {
	return c.info
}
