// Package criutest provides fake CRIU backends for tests: an in-process
// service listening on a unix seqpacket socket, and swrk workers that run
// out of the test binary through reexec.
package criutest

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/moby/criuctl/internal/packet"
)

// RestoredPid is the pid Default reports for a restore that was not asked to
// run as a sibling of the caller.
const RestoredPid = 4321

// Conn is the backend side of one client session.
type Conn struct {
	c *net.UnixConn
}

func (c *Conn) Send(resp *rpc.CriuResp) error {
	return packet.Write(c.c, resp)
}

func (c *Conn) SendRaw(b []byte) error {
	return packet.WriteRaw(c.c, b)
}

func (c *Conn) Recv() (*rpc.CriuReq, error) {
	b, err := packet.Read(c.c)
	if err != nil {
		return nil, err
	}
	req := &rpc.CriuReq{}
	if err := proto.Unmarshal(b, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Handler answers the first request of a session. It may exchange further
// messages on c, as CRIU does for notifications.
type Handler func(c *Conn, req *rpc.CriuReq) error

// Serve reads one request from conn and hands it to h.
func Serve(conn *net.UnixConn, h Handler) (*rpc.CriuReq, error) {
	c := &Conn{c: conn}
	req, err := c.Recv()
	if err != nil {
		return nil, err
	}
	return req, h(c, req)
}

// Failure builds an unsuccessful response with the given errno and message.
func Failure(typ rpc.CriuReqType, errno unix.Errno, msg string) *rpc.CriuResp {
	return &rpc.CriuResp{
		Type:     typ.Enum(),
		Success:  proto.Bool(false),
		CrErrno:  proto.Int32(int32(errno)),
		CrErrmsg: proto.String(msg),
	}
}

// Default acknowledges every request successfully. It rejects an
// images_dir_fd that is not an open directory, the way CRIU does.
func Default(c *Conn, req *rpc.CriuReq) error {
	return answer(c, req, restoredName)
}

// answer is Default with restored standing in for a tree restored into the
// caller.
func answer(c *Conn, req *rpc.CriuReq, restored string) error {
	if err := checkDirFd(req.GetOpts().GetImagesDirFd()); err != nil {
		return c.Send(Failure(req.GetType(), unix.EBADF, err.Error()))
	}
	if req.GetOpts().GetLogFile() == "-" {
		fmt.Fprintf(os.Stdout, "criu-fake: %s\n", req.GetType())
	}

	resp := &rpc.CriuResp{
		Type:    req.GetType().Enum(),
		Success: proto.Bool(true),
	}
	switch req.GetType() {
	case rpc.CriuReqType_DUMP:
		resp.Dump = &rpc.CriuDumpResp{Restored: proto.Bool(false)}
	case rpc.CriuReqType_RESTORE:
		pid := RestoredPid
		if req.GetOpts().GetRstSibling() {
			var err error
			if pid, err = spawnRestored(restored); err != nil {
				return c.Send(Failure(req.GetType(), unix.ECHILD, err.Error()))
			}
		}
		resp.Restore = &rpc.CriuRestoreResp{Pid: proto.Int32(int32(pid))}
	case rpc.CriuReqType_VERSION:
		resp.Version = &rpc.CriuVersion{
			MajorNumber: proto.Int32(3),
			MinorNumber: proto.Int32(19),
			Gitid:       proto.String("fake"),
		}
	}
	return c.Send(resp)
}

func checkDirFd(fd int32) error {
	if fd < 0 {
		return nil
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return fmt.Errorf("images_dir_fd %d: %w", fd, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return fmt.Errorf("images_dir_fd %d is not a directory", fd)
	}
	return nil
}

// Service is a fake CRIU service bound to a unix seqpacket socket. Every
// request it receives is recorded.
type Service struct {
	Addr string

	ln      *net.UnixListener
	handler Handler
	wg      sync.WaitGroup

	mu   sync.Mutex
	reqs []*rpc.CriuReq
}

// NewService starts a service answering with h, or with Default when h is
// nil. It is stopped when the test ends.
func NewService(t testing.TB, h Handler) *Service {
	t.Helper()
	if h == nil {
		h = Default
	}

	// t.TempDir paths can exceed the sun_path limit for long test names.
	dir, err := os.MkdirTemp("", "criu")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	addr := filepath.Join(dir, "criu_service.socket")
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: addr, Net: "unixpacket"})
	if err != nil {
		t.Fatal(err)
	}
	s := &Service{Addr: addr, ln: ln, handler: h}

	s.wg.Add(1)
	go s.serve(t)
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *Service) serve(t testing.TB) {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			req, err := Serve(conn, func(c *Conn, req *rpc.CriuReq) error {
				s.record(req)
				return s.handler(c, req)
			})
			if err != nil && req != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				t.Logf("fake criu service: %s: %v", req.GetType(), err)
			}
		}()
	}
}

func (s *Service) record(req *rpc.CriuReq) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
}

// Requests returns the first request of every session served so far.
func (s *Service) Requests() []*rpc.CriuReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*rpc.CriuReq(nil), s.reqs...)
}
