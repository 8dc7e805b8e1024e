package protocol

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleRequests() []*Request {
	return []*Request{
		{Kind: KindRegister, Username: "alice", Password: "pw1"},
		{Kind: KindLogin, Username: "alice", Password: "pw1"},
		{Kind: KindLogout, Username: "alice"},
		{Kind: KindDM, Username: "bob", Recipients: []string{"alice"}, Content: "hi"},
		{Kind: KindFetch, Username: "alice", FetchCount: 10, Recipients: []string{"alice", "bob"}},
		{Kind: KindFetch, Username: "alice"},
		{Kind: KindMarkRead, Username: "alice", Recipients: []string{"bob"}},
		{Kind: KindMarkRead, Username: "alice", MessageIDs: []uint32{1, 2, 3}},
		{Kind: KindDelete, Username: "alice", MessageIDs: []uint32{5}, Recipients: []string{"bob"}},
		{Kind: KindDeleteAccount, Username: "alice"},
		{Kind: KindRegister, Username: "", Password: ""},
	}
}

func sampleResponses() []*Response {
	unread := 3
	// Whole-second precision: the binary codec stores timestamps as a
	// float64 seconds-since-epoch, which cannot losslessly round-trip
	// sub-second precision alongside a 10-digit integer part. A zero-value
	// time.Time is avoided entirely: it falls outside the range
	// time.Time.UnixNano() documents as well-defined.
	ts := time.Unix(1_700_000_000, 0).UTC()
	return []*Response{
		{Kind: KindServerResponse, Status: StatusError, Message: "nope"},
		{Kind: KindRegister, Status: StatusSuccess, Message: "registration successful"},
		{
			Kind: KindLogin, Status: StatusSuccess, Message: "login successful",
			Msg: &Message{Timestamp: ts, Recipients: []string{"alice", "bob"}, ActiveUsers: []string{"bob"}},
		},
		{
			Kind: KindDM, Status: StatusSuccess, Message: "message sent",
			Msg: &Message{ID: 42, Sender: "bob", Recipient: "alice", Content: "hi", Timestamp: ts},
		},
		{
			Kind: KindDeleteNotification, Status: StatusSuccess, Message: "messages deleted",
			Username: "alice", MessageIDs: []uint32{5, 6}, UnreadCount: &unread,
		},
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c, err := New(NameJSON)
	require.NoError(t, err)

	for _, req := range sampleRequests() {
		enc, err := c.EncodeRequest(req)
		require.NoError(t, err)
		dec, err := c.DecodeRequest(enc)
		require.NoError(t, err)
		require.Equal(t, req, dec)
	}
	for _, resp := range sampleResponses() {
		enc, err := c.EncodeResponse(resp)
		require.NoError(t, err)
		dec, err := c.DecodeResponse(enc)
		require.NoError(t, err)
		require.Equal(t, resp, dec)
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	c, err := New(NameBinary)
	require.NoError(t, err)

	for _, req := range sampleRequests() {
		enc, err := c.EncodeRequest(req)
		require.NoError(t, err)
		dec, err := c.DecodeRequest(enc)
		require.NoError(t, err)
		require.Equal(t, req, dec)
	}
	for _, resp := range sampleResponses() {
		enc, err := c.EncodeResponse(resp)
		require.NoError(t, err)
		dec, err := c.DecodeResponse(enc)
		require.NoError(t, err)
		require.Equal(t, resp, dec)
	}
}

// TestExtractorSplitsArbitraryBoundaries checks that when a pair of encoded
// frames is concatenated and fed through the extractor in random chunks of
// 1 to 7 bytes, exactly the original two frames come out in order.
func TestExtractorSplitsArbitraryBoundaries(t *testing.T) {
	for _, name := range []Name{NameJSON, NameBinary} {
		t.Run(string(name), func(t *testing.T) {
			c, err := New(name)
			require.NoError(t, err)

			r1 := &Request{Kind: KindDM, Username: "bob", Recipients: []string{"alice"}, Content: "m1"}
			r2 := &Request{Kind: KindDM, Username: "bob", Recipients: []string{"alice"}, Content: "m2"}
			e1, err := c.EncodeRequest(r1)
			require.NoError(t, err)
			e2, err := c.EncodeRequest(r2)
			require.NoError(t, err)
			combined := append(append([]byte{}, e1...), e2...)

			rng := rand.New(rand.NewSource(1))
			ext := c.NewExtractor()
			var frames [][]byte
			pos := 0
			for pos < len(combined) {
				chunk := 1 + rng.Intn(7)
				end := pos + chunk
				if end > len(combined) {
					end = len(combined)
				}
				ext.Feed(combined[pos:end])
				pos = end
				for {
					frame, ok, ferr := ext.Next()
					require.NoError(t, ferr)
					if !ok {
						break
					}
					frames = append(frames, frame)
				}
			}
			require.Len(t, frames, 2)

			d1, err := c.DecodeRequest(frames[0])
			require.NoError(t, err)
			d2, err := c.DecodeRequest(frames[1])
			require.NoError(t, err)
			require.Equal(t, r1, d1)
			require.Equal(t, r2, d2)
		})
	}
}

func TestJSONExtractorOversizedFrameRejected(t *testing.T) {
	ext := jsonCodec{}.NewExtractor()
	ext.Feed(make([]byte, MaxContentBytes+1))
	_, ok, err := ext.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBinaryExtractorBadKindByteSkipsHeader(t *testing.T) {
	ext := binaryCodec{}.NewExtractor()
	bad := []byte{0xFF, 0, 0, 0, 0} // invalid kind byte
	ext.Feed(bad)
	_, ok, err := ext.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrBadFrame)

	// Following bytes resynchronize: feed a valid frame right after.
	c := binaryCodec{}
	enc, err := c.EncodeRequest(&Request{Kind: KindLogout, Username: "alice"})
	require.NoError(t, err)
	ext.Feed(enc)
	frame, ok, err := ext.Next()
	require.NoError(t, err)
	require.True(t, ok)
	dec, err := c.DecodeRequest(frame)
	require.NoError(t, err)
	require.Equal(t, "alice", dec.Username)
}

func TestBinaryExtractorOversizedLengthRejected(t *testing.T) {
	ext := binaryCodec{}.NewExtractor()
	hdr := []byte{byte(KindDM), 0xFF, 0xFF, 0xFF, 0xFF} // huge declared length
	ext.Feed(hdr)
	_, ok, err := ext.Next()
	require.False(t, ok)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
