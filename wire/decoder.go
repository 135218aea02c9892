package wire

import (
	"bytes"
	"errors"
	"fmt"
)

// Decoder accumulates stream bytes and yields complete groups. Plain blocks
// and compressed envelopes may be interleaved and split at any byte.
type Decoder struct {
	buf []byte
}

// Feed appends received bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards buffered bytes.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Decode returns every group that can be completed from the buffered bytes.
// Undecodable input is dropped and reported in the joined error; the groups
// around it are still returned.
func (d *Decoder) Decode() ([]Group, error) {
	var (
		groups []Group
		errs   []error
	)
	// the smallest possible block is longer than this
	for len(d.buf) > 12 {
		if IsEnvelope(d.buf) {
			plain, n, err := DecodeEnvelope(d.buf)
			if errors.Is(err, ErrShortEnvelope) {
				break
			}
			if n == 0 {
				// length field unusable; nothing in the buffer can be trusted
				errs = append(errs, err)
				d.buf = d.buf[:0]
				break
			}
			d.consume(n)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			gs, rest, err := Split(plain)
			groups = append(groups, gs...)
			if err != nil {
				errs = append(errs, err)
			}
			if len(rest) > 0 {
				errs = append(errs, fmt.Errorf("%w: %d trailing bytes in envelope", ErrMalformed, len(rest)))
			}
			continue
		}

		end := bytes.Index(d.buf, magic)
		plain := d.buf
		if end >= 0 {
			plain = d.buf[:end]
		}
		gs, rest, err := Split(plain)
		groups = append(groups, gs...)
		if err != nil {
			errs = append(errs, err)
		}
		if end < 0 {
			d.consume(len(plain) - len(rest))
			break
		}
		if len(rest) > 0 {
			errs = append(errs, fmt.Errorf("%w: %d stray bytes before envelope", ErrMalformed, len(rest)))
		}
		d.consume(end)
	}
	return groups, errors.Join(errs...)
}

func (d *Decoder) consume(n int) {
	d.buf = d.buf[:copy(d.buf, d.buf[n:])]
}
