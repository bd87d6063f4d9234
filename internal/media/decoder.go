package media

import (
	"bytes"
	"fmt"
)

// Frame is one decoded PCM buffer in canonical interleaved layout. Index
// increases strictly for the life of the session; a frame already returned
// from Feed is never re-emitted.
type Frame struct {
	PCM        []int16
	Channels   int
	SampleRate int
	Index      uint64
}

// DecoderConfig configures a session's stream decoder.
type DecoderConfig struct {
	// BufferLimit bounds the undecoded byte buffer. Exceeding it without a
	// successful page extraction is treated as unrecoverable and resets the
	// decoder. Zero selects DefaultBufferLimit.
	BufferLimit int
	// NewCodec builds the packet decoder once the identification header is
	// parsed. Nil selects NewOpusCodec.
	NewCodec CodecFactory
}

// DefaultBufferLimit bounds buffer growth under pathological input.
const DefaultBufferLimit = 1 << 20

// Decoder incrementally decodes a chunked Ogg audio stream into PCM frames.
// It is owned by exactly one session and is not safe for concurrent use;
// the session's ingestion loop is the single caller.
type Decoder struct {
	cfg DecoderConfig

	buf     []byte
	partial []byte // packet continued across a page boundary

	headerDone bool
	tagsDone   bool
	codec      Codec

	frameIndex   uint64
	packetErrors uint64
}

// NewDecoder creates a decoder with no bound header state; the first
// complete page must carry the identification header.
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.BufferLimit <= 0 {
		cfg.BufferLimit = DefaultBufferLimit
	}
	if cfg.NewCodec == nil {
		cfg.NewCodec = NewOpusCodec
	}
	return &Decoder{cfg: cfg}
}

// Feed appends newly arrived bytes and extracts every frame that has become
// decodable since the last call. Incomplete trailing data is retained for
// the next call and is not an error. On positively-identified corruption the
// buffer is resynced to the next page boundary and a *DecodeError is
// returned alongside any frames extracted before the corrupt region.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	consumed := 0

	for {
		page, n, err := parsePage(d.buf[consumed:])
		if err == errIncomplete {
			break
		}
		if err != nil {
			d.compact(consumed)
			d.resync()
			return frames, &DecodeError{Reason: "container corrupt", Err: err}
		}
		consumed += n

		pageFrames, err := d.handlePage(page)
		frames = append(frames, pageFrames...)
		if err != nil {
			// The rejected page is already consumed; no resync, or a valid
			// page sitting right behind it would be discarded with it.
			d.compact(consumed)
			d.partial = nil
			return frames, err
		}
	}
	d.compact(consumed)

	// Bound memory under pathological input: a buffer this large that still
	// holds no complete page is not going to recover.
	if len(d.buf) > d.cfg.BufferLimit {
		d.buf = nil
		d.partial = nil
		return frames, &DecodeError{
			Reason: fmt.Sprintf("buffer exceeded %d bytes without a decodable page", d.cfg.BufferLimit),
		}
	}

	return frames, nil
}

// handlePage assembles packets from one page and routes them through header
// parsing or the codec.
func (d *Decoder) handlePage(page *oggPage) ([]Frame, error) {
	complete, unterminated := page.packets()

	// Stitch a packet that continued from the previous page.
	if len(d.partial) > 0 {
		if !page.continued() {
			// The stream skipped the continuation; drop the stale fragment.
			d.partial = nil
		} else if len(complete) > 0 {
			complete[0] = append(d.partial, complete[0]...)
			d.partial = nil
		} else {
			unterminated = append(d.partial, unterminated...)
			d.partial = nil
		}
	}
	d.partial = unterminated

	var frames []Frame
	for _, packet := range complete {
		if !d.headerDone {
			info, err := parseOpusHead(packet)
			if err != nil {
				return frames, &DecodeError{Reason: "identification header", Err: err}
			}
			codec, err := d.cfg.NewCodec(info)
			if err != nil {
				return frames, &DecodeError{Reason: "codec init", Err: err}
			}
			d.codec = codec
			d.headerDone = true
			continue
		}
		if !d.tagsDone {
			if !isOpusTags(packet) {
				return frames, &DecodeError{Reason: "comment header", Err: fmt.Errorf("expected OpusTags packet")}
			}
			d.tagsDone = true
			continue
		}

		pcm, err := d.codec.Decode(packet)
		if err != nil {
			// A single undecodable packet is skipped, not fatal; container
			// framing is still intact.
			d.packetErrors++
			continue
		}

		info := d.codec.Info()
		frames = append(frames, Frame{
			PCM:        pcm.Interleaved(),
			Channels:   info.Channels,
			SampleRate: info.SampleRate,
			Index:      d.frameIndex,
		})
		d.frameIndex++
	}
	return frames, nil
}

// Reset discards buffered undecoded bytes at an utterance boundary. Header
// and codec state persist: the container profile is bound once per session.
// The frame index is never rewound, preserving the dedupe guarantee.
func (d *Decoder) Reset() {
	d.buf = nil
	d.partial = nil
}

// HeaderBound reports whether the identification header has been parsed.
func (d *Decoder) HeaderBound() bool {
	return d.headerDone
}

// Info returns the bound codec parameters. Valid only after HeaderBound.
func (d *Decoder) Info() CodecInfo {
	if d.codec == nil {
		return CodecInfo{}
	}
	return d.codec.Info()
}

// PacketErrors returns the count of packets skipped due to codec errors.
func (d *Decoder) PacketErrors() uint64 {
	return d.packetErrors
}

// compact drops consumed bytes from the front of the buffer.
func (d *Decoder) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := len(d.buf) - consumed
	copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:remaining]
}

// resync drops bytes up to the next capture pattern so the stream can
// recover at the following page boundary. The current (corrupt) boundary is
// skipped.
func (d *Decoder) resync() {
	if len(d.buf) < 1 {
		return
	}
	idx := bytes.Index(d.buf[1:], oggCapture)
	if idx < 0 {
		// Keep a tail in case the capture pattern straddles the chunk edge.
		tail := len(oggCapture) - 1
		if len(d.buf) > tail {
			d.buf = append(d.buf[:0], d.buf[len(d.buf)-tail:]...)
		}
		return
	}
	d.buf = append(d.buf[:0], d.buf[idx+1:]...)
}
