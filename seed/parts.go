package seed

import (
	"errors"
	"fmt"
)

// partMagic opens each structured-append frame.
var partMagic = [4]byte{'R', 'V', 'Q', 'P'}

const partHeaderSize = 6 // magic, sequence, total

// Split frames a payload across QR structured-append codes. Each part
// carries a 6-byte header (magic, sequence number, part count) so a
// scanner can reassemble codes read in any order.
func Split(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("seed: empty payload")
	}
	const body = MaxPartBytes - partHeaderSize
	count := (len(payload) + body - 1) / body
	if count > 255 {
		return nil, fmt.Errorf("%w: %d parts, more than a u8 can count", ErrTooLarge, count)
	}
	parts := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		chunk := payload[i*body:]
		if len(chunk) > body {
			chunk = chunk[:body]
		}
		part := make([]byte, 0, partHeaderSize+len(chunk))
		part = append(part, partMagic[:]...)
		part = append(part, byte(i), byte(count))
		part = append(part, chunk...)
		parts = append(parts, part)
	}
	return parts, nil
}

// Reassemble rebuilds a payload from structured-append frames scanned in
// any order. Every part must be present exactly once and agree on the
// part count.
func Reassemble(parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, errors.New("seed: no parts")
	}
	var count int
	ordered := make([][]byte, 0)
	for _, p := range parts {
		if len(p) < partHeaderSize {
			return nil, ErrTruncated
		}
		if [4]byte(p[:4]) != partMagic {
			return nil, ErrBadMagic
		}
		seq, n := int(p[4]), int(p[5])
		if count == 0 {
			count = n
			ordered = make([][]byte, n)
		} else if n != count {
			return nil, fmt.Errorf("seed: part counts disagree: %d vs %d", n, count)
		}
		if seq >= count {
			return nil, fmt.Errorf("seed: part %d out of range for %d parts", seq, count)
		}
		if ordered[seq] != nil {
			return nil, fmt.Errorf("seed: duplicate part %d", seq)
		}
		ordered[seq] = p[partHeaderSize:]
	}
	var out []byte
	for i, body := range ordered {
		if body == nil {
			return nil, fmt.Errorf("seed: missing part %d of %d", i, count)
		}
		out = append(out, body...)
	}
	return out, nil
}
