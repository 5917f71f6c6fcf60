package tnet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// encodeFrame produces the wire representation of payload: a four-byte
// big-endian length prefix followed by the payload itself.
func encodeFrame(payload []byte) []byte {
	frame := globalBufferPool.GetBuffer(frameLengthSize + len(payload))
	frame = append(frame, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(frame[:frameLengthSize], uint32(len(payload)))
	frame = append(frame, payload...)
	return frame
}

// decodeFrame reads one frame from r and returns its payload. It fails with
// ErrFrameTooLarge if the declared length exceeds maxSize, with io.EOF if
// the peer closed the connection before sending anything, and with
// ErrTruncated if the read failed mid-frame. Any other error before the
// first byte (e.g. an expired read deadline) is returned as-is.
func decodeFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [frameLengthSize]byte
	if n, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if n == 0 {
			return nil, err
		}
		return nil, fmt.Errorf("tnet: %w: %v", ErrTruncated, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if int(length) > maxSize {
		return nil, fmt.Errorf("tnet: %w: declared %d bytes, max %d", ErrFrameTooLarge, length, maxSize)
	}
	payload := globalBufferPool.GetBuffer(int(length))
	payload = payload[:length]
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("tnet: %w: %v", ErrTruncated, err)
		}
	}
	return payload, nil
}
