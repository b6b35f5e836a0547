package packet

import (
	"io"
	"net"
	"os"
	"testing"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func seqpacketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	assert.NilError(t, err)

	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "seqpacket")
		c, err := net.FileConn(f)
		f.Close()
		assert.NilError(t, err)
		conns[i] = c.(*net.UnixConn)
		t.Cleanup(func() { c.Close() })
	}
	return conns[0], conns[1]
}

func TestWriteRead(t *testing.T) {
	a, b := seqpacketPair(t)

	req := &rpc.CriuReq{
		Type: rpc.CriuReqType_DUMP.Enum(),
		Opts: &rpc.CriuOpts{
			ImagesDirFd: proto.Int32(4),
			Pid:         proto.Int32(1234),
			ShellJob:    proto.Bool(true),
		},
	}
	assert.NilError(t, Write(a, req))

	raw, err := Read(b)
	assert.NilError(t, err)

	got := &rpc.CriuReq{}
	assert.NilError(t, proto.Unmarshal(raw, got))
	assert.Check(t, is.DeepEqual(got, req, protocmp.Transform()))
}

func TestReadKeepsPacketBoundaries(t *testing.T) {
	a, b := seqpacketPair(t)

	assert.NilError(t, WriteRaw(a, []byte("first")))
	assert.NilError(t, WriteRaw(a, []byte("second")))

	raw, err := Read(b)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(raw), "first"))
	raw, err = Read(b)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(raw), "second"))
}

func TestReadTruncated(t *testing.T) {
	a, b := seqpacketPair(t)

	assert.NilError(t, WriteRaw(a, make([]byte, MaxSize+1)))
	_, err := Read(b)
	assert.Check(t, is.ErrorIs(err, ErrTruncated))
}

func TestReadEOF(t *testing.T) {
	a, b := seqpacketPair(t)

	assert.NilError(t, a.Close())
	_, err := Read(b)
	assert.Check(t, is.ErrorIs(err, io.EOF))
}
