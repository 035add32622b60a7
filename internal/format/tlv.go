package format

import (
	"fmt"
	"io"
)

// TLV is one tag-length-value record as framed in QR seed download
// manifests: tag u16, length u16, value bytes.
type TLV struct {
	Tag   uint16
	Value []byte
}

// AppendTLV appends the framed record to buf.
func AppendTLV(buf []byte, tag uint16, value []byte) ([]byte, error) {
	if len(value) > 65535 {
		return nil, fmt.Errorf("tlv value too large: %d bytes", len(value))
	}
	pb := newPayloadBuffer(buf)
	pb.writeUint16(tag)
	pb.writeUint16(uint16(len(value)))
	pb.writeBytes(value)
	return pb.buf, pb.err
}

// ParseTLVs decodes every record in b. Values alias b; callers that retain
// them past the buffer's lifetime must copy.
func ParseTLVs(b []byte) ([]TLV, error) {
	var out []TLV
	pb := newPayloadBuffer(b)
	for pb.remaining() > 0 {
		tag := pb.readUint16()
		length := pb.readUint16()
		value := pb.readBytes(int(length))
		if pb.err != nil {
			return nil, fmt.Errorf("tlv stream truncated: %w", io.ErrUnexpectedEOF)
		}
		out = append(out, TLV{Tag: tag, Value: value})
	}
	return out, nil
}
