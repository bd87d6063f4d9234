package media

import (
	"encoding/binary"
	"fmt"

	"github.com/johnbuck/voxbridge/internal/audio"
)

// CodecInfo is the identification header state parsed once per session and
// reused for every subsequent chunk.
type CodecInfo struct {
	Channels   int
	SampleRate int // output rate of the decoder, not the original input rate
	PreSkip    int
}

// Codec turns one compressed packet into PCM. Implementations may report
// planar layout; the decoder owns the conversion to interleaved.
type Codec interface {
	Decode(packet []byte) (audio.PCM, error)
	Info() CodecInfo
}

// CodecFactory builds a codec from the parsed identification header.
type CodecFactory func(info CodecInfo) (Codec, error)

const (
	opusHeadMagic = "OpusHead"
	opusTagsMagic = "OpusTags"
	opusHeadLen   = 19
)

// parseOpusHead parses the OpusHead identification packet. Opus always
// decodes at 48 kHz regardless of the original input rate recorded in the
// header.
func parseOpusHead(packet []byte) (CodecInfo, error) {
	if len(packet) < opusHeadLen || string(packet[0:8]) != opusHeadMagic {
		return CodecInfo{}, fmt.Errorf("not an OpusHead packet")
	}
	if version := packet[8]; version != 1 {
		return CodecInfo{}, fmt.Errorf("unsupported OpusHead version %d", version)
	}

	channels := int(packet[9])
	if channels < 1 || channels > 2 {
		return CodecInfo{}, fmt.Errorf("unsupported channel count %d", channels)
	}

	return CodecInfo{
		Channels:   channels,
		SampleRate: opusOutputRate,
		PreSkip:    int(binary.LittleEndian.Uint16(packet[10:12])),
	}, nil
}

func isOpusTags(packet []byte) bool {
	return len(packet) >= 8 && string(packet[0:8]) == opusTagsMagic
}
