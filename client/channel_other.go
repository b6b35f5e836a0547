//go:build !linux

package client

import (
	"context"
	"errors"
	"os"
	"runtime"
)

func openChannel(_ context.Context, b binding, _ []*os.File) (channel, error) {
	return nil, transportError{mode: b.mode, err: errors.New("criu is not supported on " + runtime.GOOS)}
}
