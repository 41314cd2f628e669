package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxStreamFrame bounds a single reliable-stream frame so a corrupt or
// malicious length prefix can't cause an unbounded allocation.
const maxStreamFrame = 1 << 20

// WriteStreamFrame writes one length-prefixed frame (uint32 big-endian
// length followed by the frame bytes) to w, for use on the reliable
// ordered control stream where message boundaries aren't otherwise
// delimited the way a single datagram is.
func WriteStreamFrame(w io.Writer, frame []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadStreamFrame reads one length-prefixed frame written by WriteStreamFrame.
func ReadStreamFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxStreamFrame {
		return nil, fmt.Errorf("wire: stream frame length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
