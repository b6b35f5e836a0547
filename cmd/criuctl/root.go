package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/moby/criuctl/client"
	"github.com/moby/criuctl/opts"
)

type rootOptions struct {
	debug      bool
	configFile string
	options    *optionFlags
}

func newRootCommand() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "criuctl [OPTIONS] COMMAND",
		Short:         "Checkpoint and restore process trees with CRIU",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if ro.debug {
				return log.SetLevel("debug")
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&ro.debug, "debug", "D", false, "Enable debug logging")
	flags.StringVar(&ro.configFile, "config", "", "TOML file of criu options; flags take precedence")
	ro.options = installOptionFlags(flags)

	cmd.AddCommand(
		newDumpCommand(ro),
		newRestoreCommand(ro),
		newRestoreChildCommand(ro),
		newCheckCommand(ro),
		newVersionCommand(ro),
	)
	return cmd
}

// loadOptions merges the config file, if any, with the flags given on the
// command line.
func (ro *rootOptions) loadOptions(flags *pflag.FlagSet) (*opts.Options, error) {
	o := opts.New()
	if ro.configFile != "" {
		if err := loadConfigFile(ro.configFile, o); err != nil {
			return nil, err
		}
	}
	if err := ro.options.apply(flags, o); err != nil {
		return nil, err
	}
	return o, nil
}

// runWithClient builds the session for cmd and passes it to fn.
func (ro *rootOptions) runWithClient(cmd *cobra.Command, fn func(context.Context, *client.Client) error) error {
	ctx := cmd.Context()
	o, err := ro.loadOptions(cmd.Flags())
	if err != nil {
		return err
	}

	clientOpts := []client.Opt{
		client.WithOptions(o),
		client.WithStdio(cmd.OutOrStdout(), cmd.ErrOrStderr()),
	}
	tp, err := getTracerProvider(ctx, os.Getenv)
	switch {
	case err == nil:
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				log.G(ctx).WithError(err).Warn("Failed to flush traces")
			}
		}()
		clientOpts = append(clientOpts, client.WithTracerProvider(tp))
	case errors.Is(err, errTracingDisabled):
		log.G(ctx).WithError(err).Debug("Tracing is not enabled")
	default:
		log.G(ctx).WithError(err).Warn("Failed to set up tracing")
	}

	c, err := client.New(clientOpts...)
	if err != nil {
		return err
	}
	return fn(ctx, c)
}

// statusError carries the exit status of a restored tree out of main.
type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("restored process exited with status %d", e.code)
}
