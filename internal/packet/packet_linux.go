// Package packet moves CRIU RPC messages over SOCK_SEQPACKET sockets, one
// protobuf message per packet.
package packet

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"
)

// MaxSize is the largest message Read accepts. CRIU replies are small; a
// larger packet is reported as ErrTruncated.
const MaxSize = 2 * 4096

// ErrTruncated is returned when a packet did not fit the receive buffer.
var ErrTruncated = errors.New("packet truncated")

// Write encodes m and sends it as a single packet.
func Write(w io.Writer, m proto.Message) error {
	b, err := proto.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", m, err)
	}
	return WriteRaw(w, b)
}

// WriteRaw sends b as a single packet.
func WriteRaw(w io.Writer, b []byte) error {
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n < len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// Read receives a single packet. It returns io.EOF once the peer has closed
// its end.
func Read(c *net.UnixConn) ([]byte, error) {
	buf := make([]byte, MaxSize)
	n, _, flags, _, err := c.ReadMsgUnix(buf, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	if flags&unix.MSG_TRUNC != 0 {
		return nil, ErrTruncated
	}
	return buf[:n], nil
}
