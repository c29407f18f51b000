package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"
)

// buildExtendedFrame assembles a single-record CODEC8-Extended frame:
// one GPS fix plus one IO-385 beacon sighting.
func buildExtendedFrame(t *testing.T, tsMS int64, lat, lng float64, speed uint16, beaconHex string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteByte(byte(Codec8Extended))
	body.WriteByte(1) // record count

	binary.Write(&body, binary.BigEndian, uint64(tsMS))
	body.WriteByte(0) // priority

	binary.Write(&body, binary.BigEndian, int32(lng*1e7))
	binary.Write(&body, binary.BigEndian, int32(lat*1e7))
	binary.Write(&body, binary.BigEndian, uint16(0)) // altitude
	binary.Write(&body, binary.BigEndian, uint16(0)) // heading
	body.WriteByte(0)                                // satellites
	binary.Write(&body, binary.BigEndian, speed)

	binary.Write(&body, binary.BigEndian, uint16(0)) // event id
	binary.Write(&body, binary.BigEndian, uint16(1)) // total io count

	for i := 0; i < 4; i++ {
		binary.Write(&body, binary.BigEndian, uint16(0)) // empty fixed-width tables
	}

	beacon, err := hex.DecodeString(beaconHex)
	if err != nil {
		t.Fatalf("bad beacon hex fixture: %v", err)
	}
	binary.Write(&body, binary.BigEndian, uint16(1))   // one variable-length entry
	binary.Write(&body, binary.BigEndian, uint16(385)) // io id
	binary.Write(&body, binary.BigEndian, uint16(len(beacon)))
	body.Write(beacon)

	var frame bytes.Buffer
	binary.Write(&frame, binary.BigEndian, uint32(0)) // preamble
	binary.Write(&frame, binary.BigEndian, uint32(body.Len()))
	frame.Write(body.Bytes())
	frame.Write([]byte{0, 0, 0, 0}) // trailing CRC, unvalidated by default

	return frame.Bytes()
}

func TestParseHandshakeAccepts15DigitIMEI(t *testing.T) {
	imei := "350012345678901"
	buf := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(buf, uint16(len(imei)))
	copy(buf[2:], imei)

	got, consumed, err := ParseHandshake(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != imei {
		t.Fatalf("imei = %q, want %q", got, imei)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestParseHandshakeRejectsNonNumeric(t *testing.T) {
	bad := "35001234ABCDE01"
	buf := make([]byte, 2+len(bad))
	binary.BigEndian.PutUint16(buf, uint16(len(bad)))
	copy(buf[2:], bad)

	_, _, err := ParseHandshake(buf)
	if err != ErrRejectHandshake {
		t.Fatalf("err = %v, want ErrRejectHandshake", err)
	}
}

func TestParseHandshakeRejectsTooLong(t *testing.T) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, 16)
	buf = append(buf, make([]byte, 16)...)
	for i := range buf[2:] {
		buf[2+i] = '1'
	}
	_, _, err := ParseHandshake(buf)
	if err != ErrRejectHandshake {
		t.Fatalf("err = %v, want ErrRejectHandshake", err)
	}
}

func TestParseHandshakeShortRead(t *testing.T) {
	_, _, err := ParseHandshake([]byte{0x00})
	if err != ErrShortRead {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestRoundTripGPSAndBeacon(t *testing.T) {
	raw := buildExtendedFrame(t, 1720000000000, 32.0, 34.0, 0, "017cd9f407f95cce5500")

	f, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	if f.Codec != Codec8Extended {
		t.Fatalf("codec = %x, want 0x8E", f.Codec)
	}
	if f.RecordCount != 1 {
		t.Fatalf("record count = %d, want 1", f.RecordCount)
	}

	records, ackCount, err := ParseRecords(f.Codec, f.Body, f.RecordCount)
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if ackCount != 1 || len(records) != 1 {
		t.Fatalf("ackCount=%d len(records)=%d, want 1,1", ackCount, len(records))
	}

	rec := records[0]
	if rec.TimestampMS != 1720000000000 {
		t.Fatalf("timestamp = %d, want 1720000000000", rec.TimestampMS)
	}
	if diff := rec.Lat - 32.0; diff > 1e-7 || diff < -1e-7 {
		t.Fatalf("lat = %v, want ~32.0", rec.Lat)
	}
	if diff := rec.Lng - 34.0; diff > 1e-7 || diff < -1e-7 {
		t.Fatalf("lng = %v, want ~34.0", rec.Lng)
	}
	if rec.SpeedKMH != 0 {
		t.Fatalf("speed = %d, want 0", rec.SpeedKMH)
	}
	blob, ok := rec.VariableIO[385]
	if !ok {
		t.Fatalf("missing io 385 payload")
	}
	wantBlob, _ := hex.DecodeString("017cd9f407f95cce5500")
	if !bytes.Equal(blob, wantBlob) {
		t.Fatalf("io385 blob = %x, want %x", blob, wantBlob)
	}

	ack := EncodeAck(ackCount)
	if !bytes.Equal(ack, []byte{0, 0, 0, 1}) {
		t.Fatalf("ack = %x, want 00000001", ack)
	}
}

func TestParseFrameRejectsNonzeroPreamble(t *testing.T) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 1)
	_, err := ParseFrame(buf)
	var merr *ErrMalformedFrame
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(*ErrMalformedFrame); !ok {
		t.Fatalf("err type = %T, want *ErrMalformedFrame", err)
	} else {
		merr = e
	}
	_ = merr
}

func TestParseFrameRejectsUnsupportedCodec(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte(0x01) // unsupported codec
	body.WriteByte(0)

	var frame bytes.Buffer
	binary.Write(&frame, binary.BigEndian, uint32(0))
	binary.Write(&frame, binary.BigEndian, uint32(body.Len()))
	frame.Write(body.Bytes())
	frame.Write([]byte{0, 0, 0, 0})

	_, err := ParseFrame(frame.Bytes())
	if _, ok := err.(*ErrMalformedFrame); !ok {
		t.Fatalf("err = %v, want *ErrMalformedFrame", err)
	}
}

func TestParseFrameShortRead(t *testing.T) {
	_, err := ParseFrame([]byte{0, 0, 0, 0, 0, 0, 0, 10})
	if err != ErrShortRead {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
}

func TestParseRecordsAbortsMalformedRecordAckPrefix(t *testing.T) {
	good := buildExtendedFrame(t, 1720000000000, 32.0, 34.0, 0, "017cd9f407f95cce5500")
	f, err := ParseFrame(good)
	if err != nil {
		t.Fatalf("ParseFrame: %v", err)
	}
	// Truncate the body so a second (declared) record cannot be read.
	truncatedBody := f.Body
	records, ackCount, err := ParseRecords(f.Codec, truncatedBody, 2)
	if err != nil {
		t.Fatalf("ParseRecords: %v", err)
	}
	if ackCount != 1 {
		t.Fatalf("ackCount = %d, want 1 (only the first record parsed)", ackCount)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
}
