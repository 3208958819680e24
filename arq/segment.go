package arq

import "encoding/binary"

// segment is the wire-level record exchanged between two engines. The header
// encodes to exactly [HeaderSize] bytes big-endian:
//
//	session id (4) | command (1) | fragment id (1) | window (2)
//	timestamp  (4) | sequence (4) | unacked sequence (4) | length (4)
//
// followed by length payload bytes. The retransmission fields below the
// payload are engine bookkeeping and never encoded.
type segment struct {
	sessionID uint32
	cmd       Command
	fragID    uint8
	wnd       uint16
	ts        uint32
	sn        uint32
	una       uint32
	data      []byte

	// shadow state, send buffer only.
	resendAt uint32 // next retransmission deadline
	rto      uint32 // per-segment backoff timeout
	fastACK  uint32 // duplicate-ack-past-this count
	xmit     uint32 // transmission count
}

// encode appends the wire form of seg to b and returns the extended slice.
func (seg *segment) encode(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, seg.sessionID)
	b = append(b, byte(seg.cmd), seg.fragID)
	b = binary.BigEndian.AppendUint16(b, seg.wnd)
	b = binary.BigEndian.AppendUint32(b, seg.ts)
	b = binary.BigEndian.AppendUint32(b, seg.sn)
	b = binary.BigEndian.AppendUint32(b, seg.una)
	b = binary.BigEndian.AppendUint32(b, uint32(len(seg.data)))
	return append(b, seg.data...)
}

// decodeSegment parses one segment from the front of b. The payload is copied
// out of b so the caller may reuse its buffer. Returns the number of bytes
// consumed. Errors: [ErrBufferTooSmall] when b cannot hold a header,
// [ErrIncompleteMessage] when the declared payload exceeds b, and
// [ErrInvalidCommand] for an unknown command byte.
func decodeSegment(b []byte) (seg segment, n int, err error) {
	if len(b) < HeaderSize {
		return seg, 0, ErrBufferTooSmall
	}
	seg.sessionID = binary.BigEndian.Uint32(b[0:4])
	seg.cmd = Command(b[4])
	seg.fragID = b[5]
	seg.wnd = binary.BigEndian.Uint16(b[6:8])
	seg.ts = binary.BigEndian.Uint32(b[8:12])
	seg.sn = binary.BigEndian.Uint32(b[12:16])
	seg.una = binary.BigEndian.Uint32(b[16:20])
	length := binary.BigEndian.Uint32(b[20:24])
	if uint64(length) > uint64(len(b)-HeaderSize) {
		return seg, 0, ErrIncompleteMessage
	}
	if !seg.cmd.valid() {
		return seg, 0, ErrInvalidCommand
	}
	if length > 0 {
		seg.data = append([]byte(nil), b[HeaderSize:HeaderSize+int(length)]...)
	}
	return seg, HeaderSize + int(length), nil
}
