package client

import (
	"context"
	"math"
	"strconv"
	"testing"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	cerrdefs "github.com/containerd/errdefs"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/moby/criuctl/opts"
)

func TestResolveBinding(t *testing.T) {
	for _, tc := range []struct {
		doc     string
		opts    *opts.Options
		mode    mode
		address string
		binary  string
	}{
		{
			doc:     "default address",
			opts:    opts.New(),
			mode:    modeService,
			address: DefaultServiceAddress,
		},
		{
			doc:     "service address",
			opts:    opts.New().SetServiceAddress("/run/criu.sock"),
			mode:    modeService,
			address: "/run/criu.sock",
		},
		{
			doc:    "service binary",
			opts:   opts.New().SetServiceBinary("/usr/sbin/criu"),
			mode:   modeWorker,
			binary: "/usr/sbin/criu",
		},
		{
			doc:    "binary wins over address",
			opts:   opts.New().SetServiceAddress("/run/criu.sock").SetServiceBinary("criu"),
			mode:   modeWorker,
			binary: "criu",
		},
		{
			doc:     "empty binary is unset",
			opts:    opts.New().SetServiceBinary(""),
			mode:    modeService,
			address: DefaultServiceAddress,
		},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			b := resolveBinding(context.Background(), tc.opts)
			assert.Check(t, is.Equal(b.mode, tc.mode))
			assert.Check(t, is.Equal(b.address, tc.address))
			assert.Check(t, is.Equal(b.binary, tc.binary))
		})
	}
}

func TestBuildRequestOmitsUnset(t *testing.T) {
	b := binding{mode: modeService}
	r, err := buildRequest(context.Background(), opts.New(), &b, requestConfig{typ: rpc.CriuReqType_DUMP})
	assert.NilError(t, err)
	defer r.release()

	expected := &rpc.CriuReq{
		Type: rpc.CriuReqType_DUMP.Enum(),
		Opts: &rpc.CriuOpts{ImagesDirFd: proto.Int32(-1)},
	}
	assert.Check(t, is.DeepEqual(r.req, expected, protocmp.Transform()))
	assert.Check(t, is.Len(r.files, 0))
}

func TestBuildRequestNoOpts(t *testing.T) {
	o := opts.New().SetPid(1).SetImagesDir("/does/not/exist")
	for _, typ := range []rpc.CriuReqType{rpc.CriuReqType_CHECK, rpc.CriuReqType_VERSION} {
		b := binding{mode: modeService}
		r, err := buildRequest(context.Background(), o, &b, requestConfig{typ: typ})
		assert.NilError(t, err, typ)
		assert.Check(t, is.Nil(r.req.Opts), typ)
	}
}

func TestBuildRequestWorkerFds(t *testing.T) {
	images := fs.NewDir(t, "images")
	work := fs.NewDir(t, "work")

	o := opts.New().SetImagesDir(images.Path()).SetWorkDir(work.Path())
	b := binding{mode: modeWorker, binary: "criu"}
	r, err := buildRequest(context.Background(), o, &b, requestConfig{typ: rpc.CriuReqType_RESTORE, sibling: true})
	assert.NilError(t, err)
	defer r.release()

	assert.Check(t, is.Len(r.files, 2))
	assert.Check(t, is.Equal(r.req.GetOpts().GetImagesDirFd(), int32(4)))
	assert.Check(t, is.Equal(r.req.GetOpts().GetWorkDirFd(), int32(5)))
	assert.Check(t, r.req.GetOpts().GetRstSibling())
}

func TestBuildRequestServiceFds(t *testing.T) {
	images := fs.NewDir(t, "images")

	o := opts.New().SetImagesDir(images.Path())
	b := binding{mode: modeService}
	r, err := buildRequest(context.Background(), o, &b, requestConfig{typ: rpc.CriuReqType_DUMP})
	assert.NilError(t, err)
	defer r.release()

	assert.Assert(t, is.Len(r.files, 1))
	assert.Check(t, is.Equal(r.req.GetOpts().GetImagesDirFd(), int32(r.files[0].Fd())))
	assert.Check(t, !r.req.GetOpts().GetRstSibling())
}

func TestBuildRequestInvalidDir(t *testing.T) {
	dir := fs.NewDir(t, "images", fs.WithFile("inventory.img", ""))

	for _, tc := range []struct {
		name opts.Name
		path string
	}{
		{name: opts.ImagesDir, path: dir.Join("missing")},
		{name: opts.ImagesDir, path: dir.Join("inventory.img")},
		{name: opts.WorkDir, path: dir.Join("missing")},
	} {
		o := opts.New()
		assert.NilError(t, o.Set(tc.name, tc.path))
		b := binding{mode: modeService}
		_, err := buildRequest(context.Background(), o, &b, requestConfig{typ: rpc.CriuReqType_DUMP})
		assert.Check(t, is.ErrorIs(err, ErrInvalidOption), tc.path)
		assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
		assert.Check(t, is.ErrorContains(err, string(tc.name)))
	}
}

func TestBuildRequestOutOfRange(t *testing.T) {
	cases := []*opts.Options{opts.New().SetTimeout(-1)}
	if strconv.IntSize == 64 {
		var above, below int64 = math.MaxInt32 + 1, math.MinInt32 - 1
		cases = append(cases,
			opts.New().SetPid(int(above)),
			opts.New().SetLogLevel(int(below)),
		)
	}
	for _, o := range cases {
		b := binding{mode: modeService}
		_, err := buildRequest(context.Background(), o, &b, requestConfig{typ: rpc.CriuReqType_DUMP})
		assert.Check(t, is.ErrorIs(err, ErrInvalidOption))
	}
}

func TestBuildRequestLogging(t *testing.T) {
	for _, tc := range []struct {
		doc       string
		opts      *opts.Options
		mode      mode
		logFile   *string
		logLevel  *int32
		inlineLog bool
	}{
		{
			doc:      "log file defaults level",
			opts:     opts.New().SetLogFile("dump.log"),
			logFile:  proto.String("dump.log"),
			logLevel: proto.Int32(defaultLogLevel),
		},
		{
			doc:      "explicit level kept",
			opts:     opts.New().SetLogFile("dump.log").SetLogLevel(1),
			logFile:  proto.String("dump.log"),
			logLevel: proto.Int32(1),
		},
		{
			doc:      "level without file",
			opts:     opts.New().SetLogLevel(2),
			logLevel: proto.Int32(2),
		},
		{
			doc:  "inline log dropped by a service",
			opts: opts.New().SetLogFile(opts.LogToCaller),
			mode: modeService,
		},
		{
			doc:       "inline log passed to a worker",
			opts:      opts.New().SetLogFile(opts.LogToCaller),
			mode:      modeWorker,
			logFile:   proto.String(opts.LogToCaller),
			logLevel:  proto.Int32(defaultLogLevel),
			inlineLog: true,
		},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			b := binding{mode: tc.mode}
			r, err := buildRequest(context.Background(), tc.opts, &b, requestConfig{typ: rpc.CriuReqType_DUMP})
			assert.NilError(t, err)

			expected := &rpc.CriuOpts{
				ImagesDirFd: proto.Int32(-1),
				LogFile:     tc.logFile,
				LogLevel:    tc.logLevel,
			}
			assert.Check(t, is.DeepEqual(r.req.GetOpts(), expected, protocmp.Transform()))
			assert.Check(t, is.Equal(b.inlineLog, tc.inlineLog))
		})
	}
}

func TestCheckResponse(t *testing.T) {
	ok := func(resp *rpc.CriuResp) *rpc.CriuResp {
		resp.Success = proto.Bool(true)
		return resp
	}
	restoreChild := requestConfig{typ: rpc.CriuReqType_RESTORE, sibling: true}

	err := checkResponse(restoreChild, ok(&rpc.CriuResp{Type: rpc.CriuReqType_RESTORE.Enum()}))
	assert.Check(t, is.ErrorIs(err, ErrProtocol))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsDataLoss))

	err = checkResponse(restoreChild, ok(&rpc.CriuResp{
		Type:    rpc.CriuReqType_RESTORE.Enum(),
		Restore: &rpc.CriuRestoreResp{Pid: proto.Int32(42)},
	}))
	assert.Check(t, err)

	err = checkResponse(requestConfig{typ: rpc.CriuReqType_VERSION}, ok(&rpc.CriuResp{Type: rpc.CriuReqType_VERSION.Enum()}))
	assert.Check(t, is.ErrorIs(err, ErrProtocol))

	err = checkResponse(requestConfig{typ: rpc.CriuReqType_RESTORE}, ok(&rpc.CriuResp{Type: rpc.CriuReqType_RESTORE.Enum()}))
	assert.Check(t, err)
}

func TestErrorClasses(t *testing.T) {
	for _, tc := range []struct {
		err      error
		sentinel error
		class    func(error) bool
	}{
		{err: invalidOptionError{name: opts.ImagesDir}, sentinel: ErrInvalidOption, class: cerrdefs.IsInvalidArgument},
		{err: transportError{mode: modeService}, sentinel: ErrTransportUnavailable, class: cerrdefs.IsUnavailable},
		{err: protocolError{msg: "x"}, sentinel: ErrProtocol, class: cerrdefs.IsDataLoss},
		{err: unsupportedTransportError{op: opRestoreChild}, sentinel: ErrUnsupportedTransport, class: cerrdefs.IsFailedPrecondition},
		{err: &BackendError{Op: opDump}, sentinel: ErrBackendFailure, class: cerrdefs.IsInternal},
	} {
		assert.Check(t, is.ErrorIs(tc.err, tc.sentinel))
		assert.Check(t, is.ErrorType(tc.err, tc.class))
	}
}
