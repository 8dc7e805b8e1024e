package protocol

import "errors"

// ErrFrameTooLarge is returned by an Extractor when a frame's declared or
// discovered size exceeds MaxContentBytes.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ErrBadFrame is returned by the binary extractor when a header's kind byte
// is outside the closed Kind enumeration.
var ErrBadFrame = errors.New("protocol: invalid frame header")

// Codec encodes and decodes Request/Response records to/from their wire
// representation, and constructs the Extractor that demultiplexes a byte
// stream encoded with this codec into individual frames.
//
// Both implementations (JSON and binary) must satisfy: for every
// well-formed r, Decode*(Encode*(r)) == r.
type Codec interface {
	EncodeRequest(r *Request) ([]byte, error)
	DecodeRequest(b []byte) (*Request, error)
	EncodeResponse(r *Response) ([]byte, error)
	DecodeResponse(b []byte) (*Response, error)

	// NewExtractor returns a fresh, stateful frame extractor for one
	// connection. Extractors are not safe for concurrent use; each
	// connection owns exactly one.
	NewExtractor() Extractor
}

// Extractor consumes an append-only receive buffer and yields complete
// frames. Feed appends newly-read bytes; Next pops the oldest complete
// frame, if any. Next returns ok=false (with err==nil) when more bytes are
// needed before a frame is complete.
type Extractor interface {
	Feed(b []byte)
	Next() (frame []byte, ok bool, err error)
}

// Name identifies a codec for --protocol flag parsing and logging.
type Name string

const (
	NameJSON   Name = "json"
	NameBinary Name = "custom"
)

// New returns the codec named by name, or an error if name is not
// recognized.
func New(name Name) (Codec, error) {
	switch name {
	case NameJSON:
		return jsonCodec{}, nil
	case NameBinary:
		return binaryCodec{}, nil
	default:
		return nil, errors.New("protocol: unknown codec " + string(name))
	}
}
