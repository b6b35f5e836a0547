package criutest

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/proto"
)

// Names of the fake CRIU binaries. Each one is the test binary itself,
// selected through reexec by the name it was invoked under, so it must be
// run by bare name from a PATH prepared with InstallBinaries.
const (
	// Worker answers like Default.
	Worker = "criu-fake"
	// FailingWorker answers every request with success=false.
	FailingWorker = "criu-fake-fail"
	// GarbageWorker answers with bytes that are not a CriuResp.
	GarbageWorker = "criu-fake-garbage"
	// ExitingWorker reads the request and exits without answering.
	ExitingWorker = "criu-fake-exit"
	// NotifyWorker runs the pre-dump and post-dump notifications before
	// answering a dump, failing it if either was not acknowledged.
	NotifyWorker = "criu-fake-notify"
	// LingeringWorker answers like Default, but a tree it restores into the
	// caller keeps running for LingerTime while holding the worker's stdio.
	LingeringWorker = "criu-fake-linger"

	restoredName  = "criu-fake-restored"
	lingeringName = "criu-fake-restored-linger"
)

// LingerTime is how long a tree restored by LingeringWorker runs.
const LingerTime = time.Minute

// RestoredExitCode is the exit status of a process restored by a fake worker
// into the caller.
const RestoredExitCode = 3

// FailureErrno and FailureMessage are what FailingWorker reports.
const (
	FailureErrno   = unix.EPERM
	FailureMessage = "fake criu failure"
)

func init() {
	reexec.Register(Worker, func() { swrk(Default) })
	reexec.Register(FailingWorker, func() { swrk(fail) })
	reexec.Register(GarbageWorker, func() { swrk(garbage) })
	reexec.Register(ExitingWorker, func() { swrk(exitEarly) })
	reexec.Register(NotifyWorker, func() { swrk(notify) })
	reexec.Register(LingeringWorker, func() { swrk(linger) })
	reexec.Register(restoredName, func() { os.Exit(RestoredExitCode) })
	reexec.Register(lingeringName, func() {
		time.Sleep(LingerTime)
		os.Exit(RestoredExitCode)
	})
}

// InstallBinaries links every fake binary name to the running test binary in
// a fresh directory and puts that directory first in PATH. It is meant for
// TestMain, after reexec.Init.
func InstallBinaries() (cleanup func(), _ error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "criu-fake")
	if err != nil {
		return nil, err
	}
	for _, name := range []string{Worker, FailingWorker, GarbageWorker, ExitingWorker, NotifyWorker, LingeringWorker} {
		if err := os.Symlink(exe, filepath.Join(dir, name)); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
	}
	oldPath := os.Getenv("PATH")
	os.Setenv("PATH", dir+string(os.PathListSeparator)+oldPath)
	return func() {
		os.Setenv("PATH", oldPath)
		os.RemoveAll(dir)
	}, nil
}

// swrk serves a single session on the socket passed by the client, as
// "criu swrk <fd>" does, and exits.
func swrk(h Handler) {
	if len(os.Args) != 3 || os.Args[1] != "swrk" {
		fmt.Fprintf(os.Stderr, "usage: %s swrk <fd>\n", os.Args[0])
		os.Exit(2)
	}
	fd, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: bad fd %q\n", os.Args[0], os.Args[2])
		os.Exit(2)
	}

	f := os.NewFile(uintptr(fd), "swrk")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	defer c.Close()

	if _, err := Serve(c.(*net.UnixConn), h); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}
	os.Exit(0)
}

// spawnRestored starts a process standing in for the restored tree. With
// CLONE_PARENT it becomes a child of the worker's parent, which is what
// rst_sibling asks of CRIU.
func spawnRestored(name string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	return syscall.ForkExec(exe, []string{name}, &syscall.ProcAttr{
		Files: []uintptr{0, 1, 2},
		Sys:   &syscall.SysProcAttr{Cloneflags: syscall.CLONE_PARENT},
	})
}

func fail(c *Conn, req *rpc.CriuReq) error {
	return c.Send(Failure(req.GetType(), FailureErrno, FailureMessage))
}

func garbage(c *Conn, _ *rpc.CriuReq) error {
	return c.SendRaw([]byte{0xff, 0xff, 0xff})
}

func linger(c *Conn, req *rpc.CriuReq) error {
	return answer(c, req, lingeringName)
}

func exitEarly(*Conn, *rpc.CriuReq) error {
	return nil
}

// NotifyScripts are the notifications NotifyWorker sends, in order.
var NotifyScripts = []string{"pre-dump", "post-dump"}

func notify(c *Conn, req *rpc.CriuReq) error {
	if req.GetType() != rpc.CriuReqType_DUMP || !req.GetOpts().GetNotifyScripts() {
		return Default(c, req)
	}
	for _, script := range NotifyScripts {
		err := c.Send(&rpc.CriuResp{
			Type:    rpc.CriuReqType_NOTIFY.Enum(),
			Success: proto.Bool(true),
			Notify: &rpc.CriuNotify{
				Script: proto.String(script),
				Pid:    proto.Int32(req.GetOpts().GetPid()),
			},
		})
		if err != nil {
			return err
		}
		ack, err := c.Recv()
		if err != nil {
			return err
		}
		if ack.GetType() != rpc.CriuReqType_NOTIFY {
			return fmt.Errorf("expected notify ack, got %s", ack.GetType())
		}
		if !ack.GetNotifySuccess() {
			return c.Send(Failure(req.GetType(), unix.ECANCELED, script+" notification failed"))
		}
	}
	return Default(c, req)
}
