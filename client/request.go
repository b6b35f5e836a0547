package client

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/containerd/log"
	"google.golang.org/protobuf/proto"

	"github.com/moby/criuctl/opts"
)

// defaultLogLevel is sent with a log_file when no log_level was set.
const defaultLogLevel = 4

// request is an encoded operation and the descriptors it refers to, which
// must stay open until the exchange is over.
type request struct {
	req   *rpc.CriuReq
	files []*os.File
}

func (r *request) release() {
	for _, f := range r.files {
		f.Close()
	}
	r.files = nil
}

type requestConfig struct {
	typ     rpc.CriuReqType
	sibling bool
	notify  bool
}

// buildRequest turns a snapshot of the options into a request for b. Only
// options that were set are carried, except images_dir_fd which CRIU
// requires and is -1 when no images_dir was given.
func buildRequest(ctx context.Context, o *opts.Options, b *binding, cfg requestConfig) (_ *request, retErr error) {
	r := &request{req: &rpc.CriuReq{Type: cfg.typ.Enum()}}
	if cfg.typ != rpc.CriuReqType_DUMP && cfg.typ != rpc.CriuReqType_RESTORE {
		return r, nil
	}
	defer func() {
		if retErr != nil {
			r.release()
		}
	}()

	co := &rpc.CriuOpts{ImagesDirFd: proto.Int32(-1)}
	r.req.Opts = co

	if dir, ok := o.StringValue(opts.ImagesDir); ok {
		fd, err := r.openDir(b, opts.ImagesDir, dir)
		if err != nil {
			return nil, err
		}
		co.ImagesDirFd = proto.Int32(fd)
	}
	if dir, ok := o.StringValue(opts.WorkDir); ok {
		fd, err := r.openDir(b, opts.WorkDir, dir)
		if err != nil {
			return nil, err
		}
		co.WorkDirFd = proto.Int32(fd)
	}

	if v, ok := o.IntValue(opts.Pid); ok {
		pid, err := toInt32(opts.Pid, v)
		if err != nil {
			return nil, err
		}
		co.Pid = proto.Int32(pid)
	}
	if v, ok := o.IntValue(opts.Timeout); ok {
		if v < 0 || int64(v) > math.MaxUint32 {
			return nil, invalidOptionError{name: opts.Timeout, err: fmt.Errorf("%d seconds is out of range", v)}
		}
		co.Timeout = proto.Uint32(uint32(v))
	}

	if err := setLogging(ctx, o, b, co); err != nil {
		return nil, err
	}

	if v, ok := o.StringValue(opts.Root); ok {
		co.Root = proto.String(v)
	}
	if v, ok := o.StringValue(opts.ParentImg); ok {
		co.ParentImg = proto.String(v)
	}

	for _, f := range []struct {
		name opts.Name
		dst  **bool
	}{
		{opts.LeaveRunning, &co.LeaveRunning},
		{opts.EvasiveDevices, &co.EvasiveDevices},
		{opts.ShellJob, &co.ShellJob},
		{opts.TCPEstablished, &co.TcpEstablished},
		{opts.TCPClose, &co.TcpClose},
		{opts.ExtUnixSk, &co.ExtUnixSk},
		{opts.FileLocks, &co.FileLocks},
		{opts.TrackMem, &co.TrackMem},
		{opts.AutoDedup, &co.AutoDedup},
		{opts.LinkRemap, &co.LinkRemap},
		{opts.ForceIrmap, &co.ForceIrmap},
		{opts.ManageCgroups, &co.ManageCgroups},
		{opts.OrphanPtsMaster, &co.OrphanPtsMaster},
	} {
		if v, ok := o.BoolValue(f.name); ok {
			*f.dst = proto.Bool(v)
		}
	}

	if cfg.notify {
		co.NotifyScripts = proto.Bool(true)
	}
	if cfg.sibling {
		co.RstSibling = proto.Bool(true)
	}
	return r, nil
}

// setLogging fills in log_file and log_level. A log_file of "-" sends the
// log to the caller's stream, which only a worker can do.
func setLogging(ctx context.Context, o *opts.Options, b *binding, co *rpc.CriuOpts) error {
	file, hasFile := o.StringValue(opts.LogFile)
	if hasFile && file == opts.LogToCaller {
		if b.mode == modeWorker {
			b.inlineLog = true
		} else {
			log.G(ctx).WithField("log_file", file).Warn("Ignoring log_file: a criu service cannot log to the caller's stream")
			hasFile = false
		}
	}
	if hasFile {
		co.LogFile = proto.String(file)
	}

	if v, ok := o.IntValue(opts.LogLevel); ok {
		level, err := toInt32(opts.LogLevel, v)
		if err != nil {
			return err
		}
		co.LogLevel = proto.Int32(level)
	} else if hasFile {
		co.LogLevel = proto.Int32(defaultLogLevel)
	}
	return nil
}

func (r *request) openDir(b *binding, name opts.Name, dir string) (int32, error) {
	f, err := os.Open(dir)
	if err != nil {
		return 0, invalidOptionError{name: name, err: err}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return 0, invalidOptionError{name: name, err: err}
	}
	if !fi.IsDir() {
		f.Close()
		return 0, invalidOptionError{name: name, err: fmt.Errorf("%s is not a directory", dir)}
	}
	r.files = append(r.files, f)
	return b.fdNumber(f, len(r.files)-1), nil
}

func toInt32(name opts.Name, v int) (int32, error) {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, invalidOptionError{name: name, err: fmt.Errorf("%d is out of range", v)}
	}
	return int32(v), nil
}

// exchange sends req and waits for its response, answering any
// notifications CRIU sends in between.
func exchange(ctx context.Context, ch channel, req *rpc.CriuReq, notify NotifyFunc) (*rpc.CriuResp, error) {
	if err := ch.send(req); err != nil {
		return nil, err
	}
	for {
		resp, err := ch.recv()
		if err != nil {
			return nil, err
		}
		if resp.GetType() == rpc.CriuReqType_NOTIFY {
			if err := ack(ctx, ch, resp.GetNotify(), notify); err != nil {
				return nil, err
			}
			continue
		}
		if resp.GetType() != req.GetType() {
			return nil, protocolError{msg: fmt.Sprintf("got a %s response to a %s request", resp.GetType(), req.GetType())}
		}
		return resp, nil
	}
}

func ack(ctx context.Context, ch channel, n *rpc.CriuNotify, notify NotifyFunc) error {
	ok := true
	if notify != nil {
		if err := notify(ctx, n.GetScript(), int(n.GetPid())); err != nil {
			log.G(ctx).WithError(err).WithField("script", n.GetScript()).Warn("criu notification failed")
			ok = false
		}
	}
	return ch.send(&rpc.CriuReq{
		Type:          rpc.CriuReqType_NOTIFY.Enum(),
		NotifySuccess: proto.Bool(ok),
	})
}
