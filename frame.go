package dw4core

import (
	"bytes"
	"encoding/binary"
)

// putLSN writes a 24-bit big-endian logical sector number, as used in the
// READ/WRITE/READEX parameter shapes.
func putLSN(buf []byte, lsn uint32) {
	buf[0] = byte(lsn >> 16)
	buf[1] = byte(lsn >> 8)
	buf[2] = byte(lsn)
}

func getLSN(buf []byte) uint32 {
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

// buildReadReply assembles the success-path reply for READ/REREAD:
// [0x00][checksum hi][checksum lo][256 bytes of sector].
func buildReadReply(w *bytes.Buffer, sector []byte) {
	w.Grow(1 + 2 + SectorSize)
	w.WriteByte(ReplyOK)
	var cs [2]byte
	binary.BigEndian.PutUint16(cs[:], Checksum16(sector))
	w.Write(cs[:])
	w.Write(sector)
}

// buildReadexOK assembles the success-path reply body for READEX/REREADEX
// (the 256 data bytes only; the trailing status byte is written by the
// caller once the host checksum has been read and compared).
func buildReadexOK(w *bytes.Buffer, sector []byte) {
	w.Grow(SectorSize)
	w.Write(sector)
}

// buildSerreadReply assembles the two-byte SERREAD reply. chanIdx is the
// zero-based channel index; the wire encodes it as chanIdx+1, with 0
// meaning "no channel had data".
func buildSerreadReply(w *bytes.Buffer, chanIdx int, b byte) {
	w.Grow(2)
	if chanIdx < 0 {
		w.WriteByte(0)
		w.WriteByte(0)
		return
	}
	w.WriteByte(byte(chanIdx + 1))
	w.WriteByte(b)
}

// buildTimeReply assembles the six-byte TIME reply.
func buildTimeReply(w *bytes.Buffer, year, month, day, hour, minute, second int) {
	w.Grow(6)
	y := year - 1900
	if y < 0 {
		y = 0
	}
	if y > 255 {
		y = 255
	}
	w.WriteByte(byte(y))
	w.WriteByte(byte(month))
	w.WriteByte(byte(day))
	w.WriteByte(byte(hour))
	w.WriteByte(byte(minute))
	w.WriteByte(byte(second))
}
