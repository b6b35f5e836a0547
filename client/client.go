/*
Package client dispatches CRIU operations built from a set of [opts.Options].

A Client is one session: its options are mutated between calls, and every
call takes a snapshot of them, resolves how to reach CRIU, sends a single
request and waits for the single response.

	c, err := client.New()
	if err != nil {
		return err
	}
	c.Options().SetPid(pid).SetImagesDir("/var/lib/ckpt").SetShellJob(true)
	if _, err := c.Dump(ctx); err != nil {
		return err
	}

CRIU is reached either through a running service, dialed at
service_address (DefaultServiceAddress when unset), or through a one-shot
"criu swrk" worker spawned from service_binary. Only a worker can restore
a process tree as a child of the caller; see [Client.RestoreChild].

Calls are never retried and have no deadline of their own. Cancelling the
context closes the channel to CRIU, which does not undo work CRIU already
started.
*/
package client

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	cerrdefs "github.com/containerd/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/moby/criuctl/opts"
)

const tracerName = "github.com/moby/criuctl/client"

// NotifyFunc is called for each notification CRIU sends during an
// operation, such as "pre-dump" or "post-restore". Returning an error makes
// CRIU abort the operation.
type NotifyFunc func(ctx context.Context, script string, pid int) error

// Client is a CRIU session.
type Client struct {
	opts   *opts.Options
	stdout io.Writer
	stderr io.Writer
	notify NotifyFunc
	tracer trace.Tracer
}

// Opt configures a Client.
type Opt func(*Client) error

// WithOptions makes the client use o as its session options. The caller
// may keep mutating o between operations.
func WithOptions(o *opts.Options) Opt {
	return func(c *Client) error {
		if o == nil {
			return fmt.Errorf("%w: nil options", cerrdefs.ErrInvalidArgument)
		}
		c.opts = o
		return nil
	}
}

// WithStdio sets where a worker's output goes when log_file is "-". The
// default is the process's own stdout and stderr. A tree restored by the
// worker inherits that output, so writers that are not files may still be
// written to after the operation returned, until the restored tree exits.
func WithStdio(stdout, stderr io.Writer) Opt {
	return func(c *Client) error {
		c.stdout = stdout
		c.stderr = stderr
		return nil
	}
}

// WithNotify asks CRIU to report its notifications to fn.
func WithNotify(fn NotifyFunc) Opt {
	return func(c *Client) error {
		c.notify = fn
		return nil
	}
}

// WithTracerProvider sets the provider of operation spans. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Opt {
	return func(c *Client) error {
		if tp == nil {
			return fmt.Errorf("%w: nil tracer provider", cerrdefs.ErrInvalidArgument)
		}
		c.tracer = tp.Tracer(tracerName)
		return nil
	}
}

// New returns a session with no option set.
func New(opt ...Opt) (*Client, error) {
	c := &Client{
		opts:   opts.New(),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, o := range opt {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.tracer == nil {
		c.tracer = otel.GetTracerProvider().Tracer(tracerName)
	}
	return c, nil
}

// Options returns the session options. Changes apply to the next
// operation; they must not be made while one is in flight.
func (c *Client) Options() *opts.Options {
	return c.opts
}

// Dump checkpoints the process tree rooted at pid into images_dir.
func (c *Client) Dump(ctx context.Context) (*rpc.CriuResp, error) {
	return c.do(ctx, opDump, requestConfig{typ: rpc.CriuReqType_DUMP, notify: c.notify != nil})
}

// Restore restores the process tree saved in images_dir. The restored tree
// is not a child of the caller.
func (c *Client) Restore(ctx context.Context) (*rpc.CriuResp, error) {
	return c.do(ctx, opRestore, requestConfig{typ: rpc.CriuReqType_RESTORE, notify: c.notify != nil})
}

// Check asks CRIU whether the kernel supports checkpoint/restore.
func (c *Client) Check(ctx context.Context) error {
	_, err := c.do(ctx, opCheck, requestConfig{typ: rpc.CriuReqType_CHECK})
	return err
}

// Version returns the version of the CRIU backend.
func (c *Client) Version(ctx context.Context) (*rpc.CriuVersion, error) {
	resp, err := c.do(ctx, opVersion, requestConfig{typ: rpc.CriuReqType_VERSION})
	if err != nil {
		return nil, err
	}
	return resp.GetVersion(), nil
}
