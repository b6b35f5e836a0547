package client

import (
	"context"
	"io"
	"os"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	"github.com/containerd/log"

	"github.com/moby/criuctl/opts"
)

// DefaultServiceAddress is where a CRIU service listens unless
// service_address says otherwise.
const DefaultServiceAddress = "/var/run/criu_service.socket"

type mode int

const (
	modeService mode = iota
	modeWorker
)

func (m mode) String() string {
	if m == modeWorker {
		return "swrk"
	}
	return "service"
}

// binding is how one operation reaches CRIU.
type binding struct {
	mode    mode
	address string
	binary  string

	// inlineLog attaches the worker's output to stdout and stderr.
	inlineLog bool
	stdout    io.Writer
	stderr    io.Writer
}

// resolveBinding picks the transport for o. A service_binary selects a
// one-shot swrk worker; otherwise the service socket is dialed. Empty
// strings count as unset.
func resolveBinding(ctx context.Context, o *opts.Options) binding {
	bin, _ := o.StringValue(opts.ServiceBinary)
	addr, _ := o.StringValue(opts.ServiceAddress)
	if bin != "" {
		if addr != "" {
			log.G(ctx).WithFields(log.Fields{
				"service_binary":  bin,
				"service_address": addr,
			}).Warn("Both service_binary and service_address are set, spawning a swrk worker")
		}
		return binding{mode: modeWorker, binary: bin}
	}
	if addr == "" {
		addr = DefaultServiceAddress
	}
	return binding{mode: modeService, address: addr}
}

// channel carries the messages of one operation.
type channel interface {
	send(*rpc.CriuReq) error
	// recv returns the next message, with errors already classified as
	// transport or protocol errors.
	recv() (*rpc.CriuResp, error)
	// interrupt breaks a pending send or recv. It may be called from
	// another goroutine.
	interrupt()
	// close releases the channel and, for a worker, reaps it.
	close() error
}

// fdNumber is the descriptor number the backend knows f by. A worker sees
// the files after its socket, starting at 4; a service reads them from the
// caller's fd table.
func (b binding) fdNumber(f *os.File, index int) int32 {
	if b.mode == modeWorker {
		return int32(swrkFd + 1 + index)
	}
	return int32(f.Fd())
}

// swrkFd is the worker's end of the socket pair, as passed on its command
// line.
const swrkFd = 3
