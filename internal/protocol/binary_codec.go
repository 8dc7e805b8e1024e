package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// binaryCodec implements the fixed [1 byte kind][4 bytes BE length][payload]
// framing. Scalar encodings within the payload:
//
//	string        -> [4 bytes BE length][UTF-8 bytes]
//	uint32        -> 4 bytes BE (0 encodes "absent")
//	timestamp     -> 8 bytes IEEE-754 double, seconds since epoch
//	bool          -> 1 byte
//	[]string      -> 1 byte count, then that many length-prefixed strings
//	[]uint32      -> 1 byte count, then that many 4-byte BE integers
//
// Both EncodeRequest/EncodeResponse return the *complete* wire frame
// (header + payload); DecodeRequest/DecodeResponse accept that same
// complete frame, so Decode(Encode(r)) == r holds without needing the
// extractor in between.
//
// Grounded on the fixed-width header + encoding/binary big-endian scalar
// style of the AOCS frame format
// (_examples/other_examples/d819f327_Generativebots-ocx-backend-go-svc__internal-protocol-frame.go.go),
// reduced from that format's 110-byte multi-field header down to a plain
// 5-byte [kind][len] header.
type binaryCodec struct{}

const headerSize = 5 // 1 byte kind + 4 bytes BE payload length

func frameHeader(kind Kind, payloadLen int) []byte {
	h := make([]byte, headerSize)
	h[0] = byte(kind)
	binary.BigEndian.PutUint32(h[1:], uint32(payloadLen))
	return h
}

// --- scalar put/get helpers -------------------------------------------------

func putString(buf *bytes.Buffer, s string) {
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], uint32(len(s)))
	buf.Write(lenb[:])
	buf.WriteString(s)
}

func getString(c *cursor) (string, error) {
	n, err := c.uint32()
	if err != nil {
		return "", err
	}
	b, err := c.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func putTime(buf *bytes.Buffer, t time.Time) {
	secs := float64(t.UnixNano()) / float64(time.Second)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(secs))
	buf.Write(b[:])
}

func getTime(c *cursor) (time.Time, error) {
	bits, err := c.uint64()
	if err != nil {
		return time.Time{}, err
	}
	secs := math.Float64frombits(bits)
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

func putStringList(buf *bytes.Buffer, ss []string) {
	buf.WriteByte(byte(len(ss)))
	for _, s := range ss {
		putString(buf, s)
	}
}

func getStringList(c *cursor) ([]string, error) {
	n, err := c.byte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]string, 0, n)
	for i := 0; i < int(n); i++ {
		s, err := getString(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func putUint32List(buf *bytes.Buffer, vs []uint32) {
	buf.WriteByte(byte(len(vs)))
	for _, v := range vs {
		putUint32(buf, v)
	}
}

func getUint32List(c *cursor) ([]uint32, error) {
	n, err := c.byte()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]uint32, 0, n)
	for i := 0; i < int(n); i++ {
		v, err := c.uint32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// --- cursor: a bounds-checked reader over a decode buffer -------------------

type cursor struct {
	b   []byte
	pos int
}

func (c *cursor) take(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.b) {
		return nil, fmt.Errorf("protocol: truncated binary payload")
	}
	out := c.b[c.pos : c.pos+n]
	c.pos += n
	return out, nil
}

func (c *cursor) byte() (byte, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) uint32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *cursor) uint64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// --- Request/Response encode/decode -----------------------------------------

func (binaryCodec) EncodeRequest(r *Request) ([]byte, error) {
	var buf bytes.Buffer
	putString(&buf, r.Username)
	putString(&buf, r.Password)
	putString(&buf, r.Content)
	putUint32(&buf, uint32(r.FetchCount))
	putStringList(&buf, r.Recipients)
	putUint32List(&buf, r.MessageIDs)

	payload := buf.Bytes()
	if len(payload) > MaxContentBytes {
		return nil, ErrFrameTooLarge
	}
	return append(frameHeader(r.Kind, len(payload)), payload...), nil
}

func (binaryCodec) DecodeRequest(b []byte) (*Request, error) {
	kind, payload, err := splitFrame(b)
	if err != nil {
		return nil, err
	}
	c := &cursor{b: payload}
	r := &Request{Kind: kind}
	if r.Username, err = getString(c); err != nil {
		return nil, err
	}
	if r.Password, err = getString(c); err != nil {
		return nil, err
	}
	if r.Content, err = getString(c); err != nil {
		return nil, err
	}
	fc, err := c.uint32()
	if err != nil {
		return nil, err
	}
	r.FetchCount = int(fc)
	if r.Recipients, err = getStringList(c); err != nil {
		return nil, err
	}
	if r.MessageIDs, err = getUint32List(c); err != nil {
		return nil, err
	}
	return r, nil
}

func (binaryCodec) EncodeResponse(r *Response) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(r.Status))
	putString(&buf, r.Message)
	putString(&buf, r.Username)

	if r.UnreadCount != nil {
		putBool(&buf, true)
		putUint32(&buf, uint32(*r.UnreadCount))
	} else {
		putBool(&buf, false)
		putUint32(&buf, 0)
	}

	putUint32List(&buf, r.MessageIDs)

	if r.Msg != nil {
		putBool(&buf, true)
		putUint32(&buf, r.Msg.ID)
		putString(&buf, r.Msg.Sender)
		putString(&buf, r.Msg.Recipient)
		putString(&buf, r.Msg.Content)
		putTime(&buf, r.Msg.Timestamp)
		putBool(&buf, r.Msg.Delivered)
		putBool(&buf, r.Msg.Read)
		putStringList(&buf, r.Msg.Recipients)
		putStringList(&buf, r.Msg.ActiveUsers)
	} else {
		putBool(&buf, false)
	}

	payload := buf.Bytes()
	if len(payload) > MaxContentBytes {
		return nil, ErrFrameTooLarge
	}
	return append(frameHeader(r.Kind, len(payload)), payload...), nil
}

func (binaryCodec) DecodeResponse(b []byte) (*Response, error) {
	kind, payload, err := splitFrame(b)
	if err != nil {
		return nil, err
	}
	c := &cursor{b: payload}
	r := &Response{Kind: kind}

	statusByte, err := c.byte()
	if err != nil {
		return nil, err
	}
	r.Status = Status(statusByte)

	if r.Message, err = getString(c); err != nil {
		return nil, err
	}
	if r.Username, err = getString(c); err != nil {
		return nil, err
	}

	hasUnread, err := c.byte()
	if err != nil {
		return nil, err
	}
	unread, err := c.uint32()
	if err != nil {
		return nil, err
	}
	if hasUnread != 0 {
		n := int(unread)
		r.UnreadCount = &n
	}

	if r.MessageIDs, err = getUint32List(c); err != nil {
		return nil, err
	}

	hasMsg, err := c.byte()
	if err != nil {
		return nil, err
	}
	if hasMsg != 0 {
		m := &Message{}
		if m.ID, err = c.uint32(); err != nil {
			return nil, err
		}
		if m.Sender, err = getString(c); err != nil {
			return nil, err
		}
		if m.Recipient, err = getString(c); err != nil {
			return nil, err
		}
		if m.Content, err = getString(c); err != nil {
			return nil, err
		}
		if m.Timestamp, err = getTime(c); err != nil {
			return nil, err
		}
		db, err := c.byte()
		if err != nil {
			return nil, err
		}
		m.Delivered = db != 0
		rb, err := c.byte()
		if err != nil {
			return nil, err
		}
		m.Read = rb != 0
		if m.Recipients, err = getStringList(c); err != nil {
			return nil, err
		}
		if m.ActiveUsers, err = getStringList(c); err != nil {
			return nil, err
		}
		r.Msg = m
	}

	return r, nil
}

// splitFrame parses the 5-byte header and validates the declared payload
// length against the actual remaining bytes.
func splitFrame(b []byte) (Kind, []byte, error) {
	if len(b) < headerSize {
		return 0, nil, fmt.Errorf("protocol: short frame")
	}
	kind := Kind(b[0])
	if !ValidKind(b[0]) {
		return 0, nil, ErrBadFrame
	}
	n := binary.BigEndian.Uint32(b[1:headerSize])
	if n > MaxContentBytes {
		return 0, nil, ErrFrameTooLarge
	}
	payload := b[headerSize:]
	if uint32(len(payload)) != n {
		return 0, nil, fmt.Errorf("protocol: payload length mismatch")
	}
	return kind, payload, nil
}

func (binaryCodec) NewExtractor() Extractor { return &binaryExtractor{} }

// binaryExtractor implements header-then-payload waiting:
// it needs at least 5 bytes to read kind+length, validates both, then
// waits for 5+N bytes before emitting. On an invalid kind byte or an
// oversized N it skips past the bad 5-byte header (the one part of the
// stream it can trust the length of) and surfaces an error, rather than
// attempting to resynchronize on content it cannot interpret.
type binaryExtractor struct {
	buf bytes.Buffer
}

func (e *binaryExtractor) Feed(b []byte) { e.buf.Write(b) }

func (e *binaryExtractor) Next() ([]byte, bool, error) {
	data := e.buf.Bytes()
	if len(data) < headerSize {
		return nil, false, nil
	}
	if !ValidKind(data[0]) {
		e.consume(headerSize)
		return nil, false, ErrBadFrame
	}
	n := binary.BigEndian.Uint32(data[1:headerSize])
	if n > MaxContentBytes {
		e.consume(headerSize)
		return nil, false, ErrFrameTooLarge
	}
	total := headerSize + int(n)
	if len(data) < total {
		return nil, false, nil
	}
	frame := make([]byte, total)
	copy(frame, data[:total])
	e.consume(total)
	return frame, true, nil
}

func (e *binaryExtractor) consume(n int) {
	rest := make([]byte, e.buf.Len()-n)
	copy(rest, e.buf.Bytes()[n:])
	e.buf.Reset()
	e.buf.Write(rest)
}
