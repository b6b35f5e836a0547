package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/containerd/log"
	"github.com/moby/sys/signal"
	"github.com/spf13/cobra"

	"github.com/moby/criuctl/client"
)

func newDumpCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump [OPTIONS]",
		Short: "Checkpoint the process tree rooted at --pid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.runWithClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Dump(ctx)
				if err != nil {
					return err
				}
				if resp.GetDump().GetRestored() {
					fmt.Fprintln(cmd.OutOrStdout(), "Process tree was restored")
				}
				return nil
			})
		},
	}
}

func newRestoreCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore [OPTIONS]",
		Short: "Restore a process tree from --images-dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.runWithClient(cmd, func(ctx context.Context, c *client.Client) error {
				resp, err := c.Restore(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.GetRestore().GetPid())
				return nil
			})
		},
	}
}

// defaultStopSignal is sent to a restored tree when criuctl is interrupted.
const defaultStopSignal = "SIGTERM"

func newRestoreChildCommand(ro *rootOptions) *cobra.Command {
	var (
		detach     bool
		stopSignal string
	)

	cmd := &cobra.Command{
		Use:   "restore-child [OPTIONS]",
		Short: "Restore a process tree as a child of criuctl and wait for it",
		Long: `Restore a process tree as a child of criuctl, print the pid of its root
and wait for it to exit. criuctl exits with the status of the restored
process. When criuctl is interrupted while waiting, the restored root is
sent --stop-signal. Requires --service-binary.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sig, err := signal.ParseSignal(stopSignal)
			if err != nil {
				return err
			}
			return ro.runWithClient(cmd, func(ctx context.Context, c *client.Client) error {
				pid, err := c.RestoreChild(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), pid)
				if detach {
					return nil
				}
				return waitRestored(ctx, pid, sig)
			})
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&detach, "detach", "d", false, "Exit without waiting for the restored tree")
	flags.StringVar(&stopSignal, "stop-signal", defaultStopSignal, "Signal sent to the restored tree when criuctl is interrupted")
	return cmd
}

// waitRestored reaps the restored root and maps its exit to a statusError.
// Cancelling ctx sends it stop but keeps waiting.
func waitRestored(ctx context.Context, pid int, stop syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			log.G(ctx).WithFields(log.Fields{
				"pid":    pid,
				"signal": stop,
			}).Debug("Stopping restored process")
			if err := p.Signal(stop); err != nil {
				log.G(ctx).WithError(err).Warn("Failed to signal restored process")
			}
		case <-done:
		}
	}()

	state, err := p.Wait()
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{
		"pid":    pid,
		"status": state.String(),
	}).Debug("Restored process exited")

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return statusError{code: 128 + int(ws.Signal())}
	}
	if code := state.ExitCode(); code != 0 {
		return statusError{code: code}
	}
	return nil
}

func newCheckCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check [OPTIONS]",
		Short: "Check that the kernel supports checkpoint/restore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.runWithClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.Check(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Looks good.")
				return nil
			})
		},
	}
}

func newVersionCommand(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version [OPTIONS]",
		Short: "Show the version of the criu backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return ro.runWithClient(cmd, func(ctx context.Context, c *client.Client) error {
				v, err := c.Version(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Version: %d.%d", v.GetMajorNumber(), v.GetMinorNumber())
				if v.Sublevel != nil {
					fmt.Fprintf(out, ".%d", v.GetSublevel())
				}
				fmt.Fprintln(out)
				if v.GetGitid() != "" {
					fmt.Fprintf(out, "GitID: %s\n", v.GetGitid())
				}
				return nil
			})
		},
	}
}
