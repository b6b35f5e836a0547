package client

import (
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/containerd/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"

	"github.com/moby/criuctl/internal/packet"
)

// outputDrainTimeout bounds how long close waits for the worker's output
// to reach EOF once the worker is gone. A restored tree that inherited the
// worker's stdio keeps it open for as long as it runs.
const outputDrainTimeout = 250 * time.Millisecond

type seqpacketChannel struct {
	mode   mode
	conn   *net.UnixConn
	cmd    *exec.Cmd
	logger *log.Entry

	// copied is closed once all worker output was copied to the caller's
	// writers; nil when nothing is copied.
	copied chan struct{}
}

// openChannel connects to the backend described by b. files are the
// descriptors the request refers to; a worker inherits them.
func openChannel(ctx context.Context, b binding, files []*os.File) (channel, error) {
	if b.mode == modeWorker {
		return spawnWorker(ctx, b, files)
	}
	return dialService(ctx, b)
}

func dialService(ctx context.Context, b binding) (*seqpacketChannel, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", b.address)
	if err != nil {
		return nil, transportError{mode: b.mode, err: err}
	}
	log.G(ctx).WithField("address", b.address).Debug("Connected to criu service")
	return &seqpacketChannel{mode: b.mode, conn: c.(*net.UnixConn)}, nil
}

func spawnWorker(ctx context.Context, b binding, files []*os.File) (_ *seqpacketChannel, retErr error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, transportError{mode: b.mode, err: errors.Wrap(err, "socketpair")}
	}
	parent := os.NewFile(uintptr(fds[0]), "criu-client")
	child := os.NewFile(uintptr(fds[1]), "criu-swrk")
	defer child.Close()
	defer func() {
		if retErr != nil {
			parent.Close()
		}
	}()

	out := &outputPipes{}
	defer out.closeWriteEnds()

	cmd := exec.Command(b.binary, "swrk", strconv.Itoa(swrkFd))
	cmd.ExtraFiles = append([]*os.File{child}, files...)
	if cmd.Stdout, err = out.attach(b.stdout); err != nil {
		return nil, transportError{mode: b.mode, err: err}
	}
	if sameWriter(b.stdout, b.stderr) {
		cmd.Stderr = cmd.Stdout
	} else if cmd.Stderr, err = out.attach(b.stderr); err != nil {
		return nil, transportError{mode: b.mode, err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, transportError{mode: b.mode, err: err}
	}

	conn, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, transportError{mode: b.mode, err: err}
	}
	log.G(ctx).WithFields(log.Fields{
		"binary": b.binary,
		"pid":    cmd.Process.Pid,
	}).Debug("Started criu swrk worker")
	return &seqpacketChannel{
		mode:   b.mode,
		conn:   conn.(*net.UnixConn),
		cmd:    cmd,
		logger: log.G(ctx),
		copied: out.done(),
	}, nil
}

// outputPipes copies worker output to writers that are not files. The
// copies are not joined by cmd.Wait: a restored tree inherits the write
// ends and its output keeps flowing to the writers after the worker exits.
type outputPipes struct {
	wg        sync.WaitGroup
	writeEnds []*os.File
}

// attach returns what the worker should write to for w.
func (p *outputPipes) attach(w io.Writer) (io.Writer, error) {
	if w == nil {
		return nil, nil
	}
	if f, ok := w.(*os.File); ok {
		return f, nil
	}
	r, pw, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "worker output pipe")
	}
	p.writeEnds = append(p.writeEnds, pw)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		io.Copy(w, r)
		r.Close()
	}()
	return pw, nil
}

// closeWriteEnds drops the parent's copies of the write ends, so a copy
// ends when the worker and whatever it spawned have closed theirs.
func (p *outputPipes) closeWriteEnds() {
	for _, f := range p.writeEnds {
		f.Close()
	}
	p.writeEnds = nil
}

// sameWriter reports whether stdout and stderr can share one pipe, the way
// os/exec decides it.
func sameWriter(a, b io.Writer) (same bool) {
	defer func() { recover() }()
	return a == b
}

func (p *outputPipes) done() chan struct{} {
	if len(p.writeEnds) == 0 {
		return nil
	}
	ch := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(ch)
	}()
	return ch
}

func (c *seqpacketChannel) send(req *rpc.CriuReq) error {
	b, err := proto.Marshal(req)
	if err != nil {
		return protocolError{msg: "encoding " + req.GetType().String() + " request", err: err}
	}
	if err := packet.WriteRaw(c.conn, b); err != nil {
		return transportError{mode: c.mode, err: err}
	}
	return nil
}

func (c *seqpacketChannel) recv() (*rpc.CriuResp, error) {
	b, err := packet.Read(c.conn)
	if err != nil {
		if errors.Is(err, packet.ErrTruncated) {
			return nil, protocolError{msg: "response does not fit " + strconv.Itoa(packet.MaxSize) + " bytes", err: err}
		}
		return nil, transportError{mode: c.mode, err: err}
	}
	resp := &rpc.CriuResp{}
	if err := proto.Unmarshal(b, resp); err != nil {
		return nil, protocolError{msg: "decoding response", err: err}
	}
	return resp, nil
}

func (c *seqpacketChannel) interrupt() {
	c.conn.Close()
	if c.cmd != nil {
		c.cmd.Process.Kill()
	}
}

func (c *seqpacketChannel) close() error {
	c.conn.Close()
	if c.cmd == nil {
		return nil
	}
	err := c.cmd.Wait()
	if c.copied != nil {
		select {
		case <-c.copied:
		case <-time.After(outputDrainTimeout):
			c.logger.WithField("pid", c.cmd.Process.Pid).Debug("Worker output is still held open by a restored process")
		}
	}
	if err != nil {
		return errors.Wrapf(err, "criu swrk worker %d", c.cmd.Process.Pid)
	}
	return nil
}
