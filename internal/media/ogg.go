package media

import (
	"bytes"
	"encoding/binary"
)

// Ogg page framing per RFC 3533. Pages arrive split across arbitrary chunk
// boundaries, so the parser reports errIncomplete until a whole page (header,
// segment table and payload) is buffered.

var oggCapture = []byte("OggS")

const (
	oggHeaderLen = 27 // fixed header before the segment table

	flagContinued = 0x01 // first packet continues from the previous page
	flagBOS       = 0x02
	flagEOS       = 0x04
)

type oggPage struct {
	headerType byte
	granule    uint64
	serial     uint32
	sequence   uint32
	// segments are the raw lacing values; payload is the page body.
	segments []byte
	payload  []byte
}

// continued reports whether the page's first packet continues a packet begun
// on the previous page.
func (p *oggPage) continued() bool {
	return p.headerType&flagContinued != 0
}

// packets splits the payload into packets per the lacing values. A packet
// terminated by a lacing value < 255 is complete; a trailing run ending in
// 255 is an unterminated packet that continues on the next page.
func (p *oggPage) packets() (complete [][]byte, unterminated []byte) {
	offset := 0
	var current []byte
	for _, lace := range p.segments {
		current = append(current, p.payload[offset:offset+int(lace)]...)
		offset += int(lace)
		if lace < 255 {
			complete = append(complete, current)
			current = nil
		}
	}
	return complete, current
}

// parsePage parses one page from the front of buf. It returns the page and
// the number of bytes consumed, errIncomplete when buf does not yet hold a
// full page, or a corruption error when the bytes at the page boundary are
// positively not a valid page.
func parsePage(buf []byte) (*oggPage, int, error) {
	if len(buf) < oggHeaderLen {
		return nil, 0, errIncomplete
	}
	if !bytes.Equal(buf[0:4], oggCapture) {
		return nil, 0, errBadCapture
	}
	if buf[4] != 0 {
		return nil, 0, errBadVersion
	}

	segCount := int(buf[26])
	headerLen := oggHeaderLen + segCount
	if len(buf) < headerLen {
		return nil, 0, errIncomplete
	}

	payloadLen := 0
	for _, lace := range buf[oggHeaderLen:headerLen] {
		payloadLen += int(lace)
	}
	total := headerLen + payloadLen
	if len(buf) < total {
		return nil, 0, errIncomplete
	}

	wantCRC := binary.LittleEndian.Uint32(buf[22:26])
	if crcPage(buf[:total]) != wantCRC {
		return nil, 0, errBadCRC
	}

	page := &oggPage{
		headerType: buf[5],
		granule:    binary.LittleEndian.Uint64(buf[6:14]),
		serial:     binary.LittleEndian.Uint32(buf[14:18]),
		sequence:   binary.LittleEndian.Uint32(buf[18:22]),
		segments:   append([]byte(nil), buf[oggHeaderLen:headerLen]...),
		payload:    append([]byte(nil), buf[headerLen:total]...),
	}
	return page, total, nil
}

// crcPage computes the page checksum over the full page bytes with the CRC
// field treated as zero. Ogg uses CRC-32 with polynomial 0x04c11db7, zero
// initial value and no bit reversal.
func crcPage(page []byte) uint32 {
	var crc uint32
	for i, b := range page {
		if i >= 22 && i < 26 {
			b = 0
		}
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^b]
	}
	return crc
}

var oggCRCTable = makeOggCRCTable()

func makeOggCRCTable() [256]uint32 {
	var table [256]uint32
	const poly = 0x04c11db7
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = r<<1 ^ poly
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}
