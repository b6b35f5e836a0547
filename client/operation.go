package client

import (
	"context"
	"time"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/containerd/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	opDump         = "dump"
	opRestore      = "restore"
	opRestoreChild = "restore_child"
	opCheck        = "check"
	opVersion      = "version"
)

var spanNames = map[string]string{
	opDump:         "criu.Dump",
	opRestore:      "criu.Restore",
	opRestoreChild: "criu.RestoreChild",
	opCheck:        "criu.Check",
	opVersion:      "criu.Version",
}

// RestoreChild restores the process tree saved in images_dir as a child of
// the calling process and returns the pid of its root. The caller owns that
// process and must wait for it.
//
// Only a swrk worker can hand a restored tree to the caller, so
// service_binary must be set; otherwise ErrUnsupportedTransport is returned
// without contacting CRIU.
func (c *Client) RestoreChild(ctx context.Context) (int, error) {
	resp, err := c.do(ctx, opRestoreChild, requestConfig{
		typ:     rpc.CriuReqType_RESTORE,
		sibling: true,
		notify:  c.notify != nil,
	})
	if err != nil {
		return 0, err
	}
	return int(resp.GetRestore().GetPid()), nil
}

func (c *Client) do(ctx context.Context, op string, cfg requestConfig) (_ *rpc.CriuResp, retErr error) {
	ctx, span := c.tracer.Start(ctx, spanNames[op], trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	defer func() {
		operationActions.WithValues(op).UpdateSince(start)
		if retErr != nil {
			operationFailures.WithValues(op, failureReason(retErr)).Inc()
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
	}()

	snapshot := c.opts.Clone()
	b := resolveBinding(ctx, snapshot)
	span.SetAttributes(
		attribute.String("criu.operation", op),
		attribute.String("criu.transport", b.mode.String()),
	)
	if cfg.sibling && b.mode != modeWorker {
		return nil, unsupportedTransportError{op: op}
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"operation": op,
		"transport": b.mode.String(),
	}))
	if err := ctx.Err(); err != nil {
		return nil, transportError{mode: b.mode, err: err}
	}

	r, err := buildRequest(ctx, snapshot, &b, cfg)
	if err != nil {
		return nil, err
	}
	defer r.release()
	if b.inlineLog {
		b.stdout, b.stderr = c.stdout, c.stderr
	}
	log.G(ctx).WithField("opts", r.req.GetOpts()).Debug("Sending criu request")

	ch, err := openChannel(ctx, b, r.files)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, ch.interrupt)
	resp, err := exchange(ctx, ch, r.req, c.notify)
	stop()
	if cerr := ch.close(); cerr != nil {
		log.G(ctx).WithError(cerr).Debug("criu channel closed with an error")
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transportError{mode: b.mode, err: ctxErr}
		}
		return nil, err
	}

	if !resp.GetSuccess() {
		return resp, newBackendError(op, resp)
	}
	if err := checkResponse(cfg, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// checkResponse rejects a successful response that lacks what the
// operation returns.
func checkResponse(cfg requestConfig, resp *rpc.CriuResp) error {
	switch {
	case cfg.sibling && resp.GetRestore().GetPid() <= 0:
		return protocolError{msg: "restore response carries no pid"}
	case cfg.typ == rpc.CriuReqType_VERSION && resp.GetVersion() == nil:
		return protocolError{msg: "version response carries no version"}
	}
	return nil
}
