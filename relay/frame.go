package relay

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc8"
)

// Frame layout, big endian:
//
//	entry:  magic(1) type(1) timestamp(4) percentage(1) entry_index(2) total_entries(2) is_last(1) crc(1)
//	replay: magic(1) type(1) crc(1)
const (
	frameMagic = 0xBA

	frameTypeEntry  = 0x01
	frameTypeReplay = 0x02

	entryFrameSize  = 13
	replayFrameSize = 3
)

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31, // Polynomial 1 + x^4 + x^5 + x^8
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// Entry is one sample as carried between devices. A live sample is sent as index 0 of 1,
// a replayed history as indices 0..n-1 with IsLast set on the final one.
type Entry struct {
	Timestamp    uint32
	Percentage   uint8
	EntryIndex   uint16
	TotalEntries uint16
	IsLast       bool
}

func MarshalEntry(e Entry) []byte {
	b := make([]byte, entryFrameSize)
	b[0] = frameMagic
	b[1] = frameTypeEntry
	binary.BigEndian.PutUint32(b[2:6], e.Timestamp)
	b[6] = e.Percentage
	binary.BigEndian.PutUint16(b[7:9], e.EntryIndex)
	binary.BigEndian.PutUint16(b[9:11], e.TotalEntries)
	if e.IsLast {
		b[11] = 1
	}
	b[12] = crc8.Checksum(b[:12], crcTable)
	return b
}

func UnmarshalEntry(b []byte) (Entry, error) {
	if err := checkFrame(b, frameTypeEntry, entryFrameSize); err != nil {
		return Entry{}, err
	}
	return Entry{
		Timestamp:    binary.BigEndian.Uint32(b[2:6]),
		Percentage:   b[6],
		EntryIndex:   binary.BigEndian.Uint16(b[7:9]),
		TotalEntries: binary.BigEndian.Uint16(b[9:11]),
		IsLast:       b[11] != 0,
	}, nil
}

func marshalReplay() []byte {
	b := []byte{frameMagic, frameTypeReplay, 0}
	b[2] = crc8.Checksum(b[:2], crcTable)
	return b
}

func unmarshalReplay(b []byte) error {
	return checkFrame(b, frameTypeReplay, replayFrameSize)
}

func checkFrame(b []byte, frameType byte, size int) error {
	if len(b) != size {
		return fmt.Errorf("%w: %d bytes, expected %d", ErrBadFrame, len(b), size)
	}
	if b[0] != frameMagic {
		return fmt.Errorf("%w: magic 0x%02x", ErrBadFrame, b[0])
	}
	if b[1] != frameType {
		return fmt.Errorf("%w: frame type 0x%02x, expected 0x%02x", ErrBadFrame, b[1], frameType)
	}
	if crc := crc8.Checksum(b[:size-1], crcTable); crc != b[size-1] {
		return fmt.Errorf("%w: crc 0x%02x, calculated 0x%02x", ErrBadFrame, b[size-1], crc)
	}
	return nil
}
