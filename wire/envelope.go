package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

const (
	// DefaultThreshold is the payload size above which Pack compresses.
	DefaultThreshold = 256

	// gzip fixed header is 10 bytes; with only FCOMMENT set the comment
	// follows immediately.
	commentOffset = 10
	commentLen    = 10 // "0x%08x", followed by NUL
	flagComment   = 0x10

	// minEnvelope is how much of an envelope must be buffered before its
	// length field is trusted.
	minEnvelope = 32
)

var (
	magic = []byte{0x1F, 0x8B}

	// ErrShortEnvelope means more bytes are needed to decode an envelope.
	ErrShortEnvelope = errors.New("wire: incomplete compressed envelope")
)

// EncodeEnvelope gzips plain into a self-describing envelope: the gzip
// comment holds the total envelope length as "0x%08x". The comment is
// written as a placeholder and backpatched once the length is known.
func EncodeEnvelope(plain []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	zw.Header.Comment = fmt.Sprintf("0x%08x", 0)
	if _, err := zw.Write(plain); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	out := buf.Bytes()
	if len(out) < commentOffset+commentLen+1 || out[3]&flagComment == 0 {
		return nil, fmt.Errorf("gzip header missing comment field")
	}
	copy(out[commentOffset:], fmt.Sprintf("0x%08x", len(out)))
	return out, nil
}

// IsEnvelope reports whether buf starts with the gzip magic.
func IsEnvelope(buf []byte) bool {
	return bytes.HasPrefix(buf, magic)
}

// EnvelopeLen returns the total length recorded in an envelope header. It
// returns ErrShortEnvelope until enough of the header is buffered.
func EnvelopeLen(buf []byte) (int, error) {
	if len(buf) < minEnvelope {
		return 0, ErrShortEnvelope
	}
	if !IsEnvelope(buf) || buf[3]&flagComment == 0 {
		return 0, fmt.Errorf("%w: envelope header", ErrMalformed)
	}
	field := buf[commentOffset:]
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	n, err := strconv.ParseUint(string(field), 0, 32)
	if err != nil || n < minEnvelope {
		return 0, fmt.Errorf("%w: envelope length %q", ErrMalformed, field)
	}
	return int(n), nil
}

// DecodeEnvelope decompresses the envelope at the front of buf and returns the
// plain bytes and the number of bytes consumed.
func DecodeEnvelope(buf []byte) ([]byte, int, error) {
	n, err := EnvelopeLen(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n {
		return nil, 0, ErrShortEnvelope
	}
	zr, err := gzip.NewReader(bytes.NewReader(buf[:n]))
	if err != nil {
		return nil, n, fmt.Errorf("%w: gzip: %v", ErrMalformed, err)
	}
	zr.Multistream(false)
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, n, fmt.Errorf("%w: gunzip: %v", ErrMalformed, err)
	}
	return plain, n, nil
}

// Pack returns plain unchanged, or its envelope when level > 0 and plain is
// longer than threshold.
func Pack(plain []byte, level, threshold int) ([]byte, error) {
	if level <= 0 || len(plain) <= threshold {
		return plain, nil
	}
	return EncodeEnvelope(plain, level)
}
