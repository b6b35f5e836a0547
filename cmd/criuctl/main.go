// Command criuctl checkpoints and restores process trees through CRIU.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		var se statusError
		if !errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "criuctl: %s\n", err)
			se.code = 1
		}
		cancel()
		os.Exit(se.code)
	}
}
