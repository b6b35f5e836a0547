package client

import (
	"errors"
	"fmt"

	"github.com/checkpoint-restore/go-criu/v7/rpc"
	cerrdefs "github.com/containerd/errdefs"

	"github.com/moby/criuctl/opts"
)

var (
	// ErrInvalidOption is returned when an option holds a value the
	// backend cannot be given, such as an images_dir that is not a
	// directory.
	ErrInvalidOption = errors.New("invalid option")

	// ErrTransportUnavailable is returned when the backend cannot be
	// reached, or the channel to it broke before a response arrived.
	ErrTransportUnavailable = errors.New("criu transport unavailable")

	// ErrProtocol is returned for a response that cannot be interpreted.
	ErrProtocol = errors.New("criu protocol error")

	// ErrBackendFailure is returned when CRIU reports that the operation
	// failed. The error is a *BackendError.
	ErrBackendFailure = errors.New("criu operation failed")

	// ErrUnsupportedTransport is returned by RestoreChild when no
	// service_binary is configured.
	ErrUnsupportedTransport = errors.New("operation requires a criu swrk worker")
)

type invalidOptionError struct {
	name opts.Name
	err  error
}

func (e invalidOptionError) Error() string {
	return fmt.Sprintf("%s %s: %v", ErrInvalidOption, e.name, e.err)
}

func (e invalidOptionError) Unwrap() error {
	return e.err
}

func (invalidOptionError) InvalidParameter() {}

func (invalidOptionError) Is(target error) bool {
	return target == ErrInvalidOption || target == cerrdefs.ErrInvalidArgument
}

type transportError struct {
	mode mode
	err  error
}

func (e transportError) Error() string {
	return fmt.Sprintf("%s (%s): %v", ErrTransportUnavailable, e.mode, e.err)
}

func (e transportError) Unwrap() error {
	return e.err
}

func (transportError) Unavailable() {}

func (transportError) Is(target error) bool {
	return target == ErrTransportUnavailable || target == cerrdefs.ErrUnavailable
}

type protocolError struct {
	msg string
	err error
}

func (e protocolError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", ErrProtocol, e.msg)
	}
	return fmt.Sprintf("%s: %s: %v", ErrProtocol, e.msg, e.err)
}

func (e protocolError) Unwrap() error {
	return e.err
}

func (protocolError) DataLoss() {}

func (protocolError) Is(target error) bool {
	return target == ErrProtocol || target == cerrdefs.ErrDataLoss
}

type unsupportedTransportError struct {
	op string
}

func (e unsupportedTransportError) Error() string {
	return fmt.Sprintf("%s: %s needs service_binary to be set", ErrUnsupportedTransport, e.op)
}

func (unsupportedTransportError) FailedPrecondition() {}

func (unsupportedTransportError) Is(target error) bool {
	return target == ErrUnsupportedTransport || target == cerrdefs.ErrFailedPrecondition
}

// BackendError is the failure CRIU reported for an operation.
type BackendError struct {
	Op       string
	Errno    int32
	Message  string
	Response *rpc.CriuResp
}

func (e *BackendError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("criu %s failed (errno %d): %s", e.Op, e.Errno, msg)
}

func (*BackendError) System() {}

func (*BackendError) Is(target error) bool {
	return target == ErrBackendFailure || target == cerrdefs.ErrInternal
}

func newBackendError(op string, resp *rpc.CriuResp) *BackendError {
	return &BackendError{
		Op:       op,
		Errno:    resp.GetCrErrno(),
		Message:  resp.GetCrErrmsg(),
		Response: resp,
	}
}

// failureReason is the metrics label of an operation error.
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrUnsupportedTransport):
		return "unsupported_transport"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrBackendFailure):
		return "backend"
	default:
		return "unknown"
	}
}
