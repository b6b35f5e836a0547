package main

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/moby/criuctl/opts"
)

var optionUsage = map[opts.Name]string{
	opts.Pid:             "Root of the process tree to dump",
	opts.ImagesDir:       "Directory holding the checkpoint images",
	opts.WorkDir:         "Directory for logs and statistics (defaults to the images directory)",
	opts.ServiceAddress:  "Socket of a running criu service",
	opts.ServiceBinary:   "criu executable to run in swrk mode instead of using a service",
	opts.LogFile:         `criu log file, relative to the work directory ("-" logs to stderr in swrk mode)`,
	opts.LogLevel:        "criu log verbosity (0-4)",
	opts.Root:            "Root of the restored mount namespace",
	opts.ParentImg:       "Previous images directory, relative to the images directory",
	opts.LeaveRunning:    "Leave the tree running after dump",
	opts.EvasiveDevices:  "Allow device files to be substituted on restore",
	opts.ShellJob:        "Allow dumping and restoring a shell job",
	opts.TCPEstablished:  "Checkpoint established TCP connections",
	opts.TCPClose:        "Close established TCP connections on restore",
	opts.ExtUnixSk:       "Allow external unix socket connections",
	opts.FileLocks:       "Handle file locks",
	opts.TrackMem:        "Track memory changes for incremental dumps",
	opts.AutoDedup:       "Deduplicate parent images on dump",
	opts.LinkRemap:       "Allow link remapping of open deleted files",
	opts.ForceIrmap:      "Force resolving inotify and fsnotify watch paths",
	opts.ManageCgroups:   "Dump and restore cgroup properties",
	opts.OrphanPtsMaster: "Allow orphaned pty masters",
	opts.Timeout:         "Seconds criu may spend freezing the tree",
}

func flagName(name opts.Name) string {
	return strings.ReplaceAll(string(name), "_", "-")
}

// optionFlags holds one flag per criu option.
type optionFlags struct {
	ints    map[opts.Name]*int
	strings map[opts.Name]*string
	bools   map[opts.Name]*bool
}

func installOptionFlags(flags *pflag.FlagSet) *optionFlags {
	of := &optionFlags{
		ints:    map[opts.Name]*int{},
		strings: map[opts.Name]*string{},
		bools:   map[opts.Name]*bool{},
	}
	for _, name := range opts.Names() {
		kind, _ := opts.KindOf(name)
		switch kind {
		case opts.KindInt:
			of.ints[name] = flags.Int(flagName(name), 0, optionUsage[name])
		case opts.KindString:
			of.strings[name] = flags.String(flagName(name), "", optionUsage[name])
		case opts.KindBool:
			of.bools[name] = flags.Bool(flagName(name), false, optionUsage[name])
		}
	}
	return of
}

// apply sets on o every option whose flag was given on the command line.
func (of *optionFlags) apply(flags *pflag.FlagSet, o *opts.Options) error {
	for _, name := range opts.Names() {
		if !flags.Changed(flagName(name)) {
			continue
		}
		var v any
		if p, ok := of.ints[name]; ok {
			v = *p
		} else if p, ok := of.strings[name]; ok {
			v = *p
		} else {
			v = *of.bools[name]
		}
		if err := o.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}
