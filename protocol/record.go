package protocol

import (
	"encoding/binary"
	"fmt"
)

// Record is one decoded AVL record: timestamp, GPS fix, and the typed I/O
// elements attached to it. FixedIO holds every 1/2/4/8-byte table entry
// merged into one id-keyed map. VariableIO holds the raw bytes of every
// variable-length entry (CODEC8-Extended only), including the ones the
// beacon extractor recognizes (385, 10828, 10829, 11317) and any opaque
// passthrough ids.
type Record struct {
	TimestampMS int64
	Priority    byte
	Lat         float64
	Lng         float64
	Altitude    uint16
	Heading     uint16
	Satellites  uint8
	SpeedKMH    uint16
	EventID     uint64

	FixedIO    map[uint64]uint64
	VariableIO map[uint64][]byte
}

// SpeedBelow reports whether the record's speed is strictly below the
// given km/h threshold (exactly the threshold itself counts as moving).
func (r *Record) SpeedBelow(thresholdKMH float64) bool {
	return float64(r.SpeedKMH) < thresholdKMH
}

// cursor is a bounds-checked reader over a record's byte slice. Every read
// validates remaining length before advancing, so a single malformed
// record cannot desynchronize the parse of subsequent records.
type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) remaining() int { return len(c.buf) - c.pos }

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("protocol: need %d bytes, have %d", n, c.remaining())
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.buf[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos : c.pos+2])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos : c.pos+4])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v, nil
}

// widths describes the byte width of each fixed I/O table's value field,
// in wire order {1,2,4,8}.
var widths = [4]int{1, 2, 4, 8}

// ParseRecords decodes up to count records from body. Parsing stops at
// the first record that fails to decode; the records after it in the
// same frame are not attempted. It returns the records decoded before
// that point together with ackCount, their number, which is what the
// caller acknowledges back to the tracker.
func ParseRecords(codec Codec, body []byte, count int) (records []Record, ackCount int, err error) {
	c := &cursor{buf: body}
	idWidth := 1
	if codec == Codec8Extended {
		idWidth = 2
	}

	sawFailure := false
	for i := 0; i < count; i++ {
		start := c.pos
		rec, perr := parseOneRecord(c, codec, idWidth)
		if perr != nil {
			// Desync recovery is not possible once a record's own length
			// fields are untrustworthy; stop attempting further records
			// in this frame rather than guessing an offset.
			sawFailure = true
			c.pos = start
			break
		}
		records = append(records, *rec)
		if !sawFailure {
			ackCount++
		}
	}
	return records, ackCount, nil
}

func parseOneRecord(c *cursor, codec Codec, idWidth int) (*Record, error) {
	tsRaw, err := c.u64()
	if err != nil {
		return nil, err
	}
	priority, err := c.u8()
	if err != nil {
		return nil, err
	}
	lngRaw, err := c.u32()
	if err != nil {
		return nil, err
	}
	latRaw, err := c.u32()
	if err != nil {
		return nil, err
	}
	altitude, err := c.u16()
	if err != nil {
		return nil, err
	}
	heading, err := c.u16()
	if err != nil {
		return nil, err
	}
	satellites, err := c.u8()
	if err != nil {
		return nil, err
	}
	speed, err := c.u16()
	if err != nil {
		return nil, err
	}

	eventID, ioCountTotal, err := readIDPair(c, codec)
	if err != nil {
		return nil, err
	}
	_ = ioCountTotal // only present/meaningful outside extended variable table; fixed tables carry their own counts

	fixed := make(map[uint64]uint64)
	for _, width := range widths {
		n, err := readCount(c, codec)
		if err != nil {
			return nil, err
		}
		for j := 0; j < n; j++ {
			id, err := readID(c, idWidth)
			if err != nil {
				return nil, err
			}
			val, err := readValue(c, width)
			if err != nil {
				return nil, err
			}
			fixed[id] = val
		}
	}

	variable := make(map[uint64][]byte)
	if codec == Codec8Extended {
		n, err := c.u16()
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(n); j++ {
			id, err := c.u16()
			if err != nil {
				return nil, err
			}
			length, err := c.u16()
			if err != nil {
				return nil, err
			}
			data, err := c.bytes(int(length))
			if err != nil {
				return nil, err
			}
			buf := make([]byte, len(data))
			copy(buf, data)
			variable[uint64(id)] = buf
		}
	}

	return &Record{
		TimestampMS: int64(tsRaw),
		Priority:    priority,
		Lng:         float64(int32(lngRaw)) / 1e7,
		Lat:         float64(int32(latRaw)) / 1e7,
		Altitude:    altitude,
		Heading:     heading,
		Satellites:  satellites,
		SpeedKMH:    speed,
		EventID:     eventID,
		FixedIO:     fixed,
		VariableIO:  variable,
	}, nil
}

// readIDPair reads the event id and the top-level IO count announced just
// before the fixed-width tables: 2 bytes each for Codec8Extended, 1 byte
// each for Codec8.
func readIDPair(c *cursor, codec Codec) (eventID uint64, ioCount uint64, err error) {
	if codec == Codec8Extended {
		e, err := c.u16()
		if err != nil {
			return 0, 0, err
		}
		n, err := c.u16()
		if err != nil {
			return 0, 0, err
		}
		return uint64(e), uint64(n), nil
	}
	e, err := c.u8()
	if err != nil {
		return 0, 0, err
	}
	n, err := c.u8()
	if err != nil {
		return 0, 0, err
	}
	return uint64(e), uint64(n), nil
}

func readCount(c *cursor, codec Codec) (int, error) {
	if codec == Codec8Extended {
		v, err := c.u16()
		return int(v), err
	}
	v, err := c.u8()
	return int(v), err
}

func readID(c *cursor, idWidth int) (uint64, error) {
	if idWidth == 2 {
		v, err := c.u16()
		return uint64(v), err
	}
	v, err := c.u8()
	return uint64(v), err
}

func readValue(c *cursor, width int) (uint64, error) {
	switch width {
	case 1:
		v, err := c.u8()
		return uint64(v), err
	case 2:
		v, err := c.u16()
		return uint64(v), err
	case 4:
		v, err := c.u32()
		return uint64(v), err
	case 8:
		return c.u64()
	default:
		return 0, fmt.Errorf("protocol: unsupported io width %d", width)
	}
}
