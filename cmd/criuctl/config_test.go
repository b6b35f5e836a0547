package main

import (
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/fs"

	"github.com/moby/criuctl/opts"
)

func TestLoadConfigFile(t *testing.T) {
	configFile := fs.NewFile(t, "criu.toml", fs.WithContent(`
images_dir = "/var/lib/criu/web"
shell_job = true
log_level = 2
service-address = "/run/criu.sock"
`))

	o := opts.New()
	assert.NilError(t, loadConfigFile(configFile.Path(), o))

	dir, _ := o.StringValue(opts.ImagesDir)
	assert.Check(t, is.Equal(dir, "/var/lib/criu/web"))
	shellJob, _ := o.BoolValue(opts.ShellJob)
	assert.Check(t, shellJob)
	level, ok := o.IntValue(opts.LogLevel)
	assert.Check(t, ok)
	assert.Check(t, is.Equal(level, 2))
	addr, _ := o.StringValue(opts.ServiceAddress)
	assert.Check(t, is.Equal(addr, "/run/criu.sock"))
}

func TestLoadConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		doc      string
		content  string
		expected error
	}{
		{doc: "unknown key", content: `images = "/tmp"`, expected: opts.ErrUnknownOption},
		{doc: "wrong type", content: `shell_job = "yes"`, expected: opts.ErrTypeMismatch},
		{doc: "table", content: "[pid]\nvalue = 1\n", expected: opts.ErrTypeMismatch},
	} {
		t.Run(tc.doc, func(t *testing.T) {
			configFile := fs.NewFile(t, "criu.toml", fs.WithContent(tc.content))
			err := loadConfigFile(configFile.Path(), opts.New())
			assert.Check(t, is.ErrorIs(err, tc.expected))
			assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
			assert.Check(t, is.ErrorContains(err, configFile.Path()))
		})
	}

	err := loadConfigFile(fs.NewDir(t, "config").Join("missing.toml"), opts.New())
	assert.Check(t, is.ErrorContains(err, "unable to load config file"))
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	configFile := fs.NewFile(t, "criu.toml", fs.WithContent(`
pid = 1
images_dir = "/from/config"
tcp_established = true
`))

	flags := pflag.NewFlagSet("criuctl", pflag.ContinueOnError)
	ro := &rootOptions{configFile: configFile.Path(), options: installOptionFlags(flags)}
	assert.NilError(t, flags.Parse([]string{"--pid=7", "--tcp-established=false", "--work-dir", "/from/flags"}))

	o, err := ro.loadOptions(flags)
	assert.NilError(t, err)

	pid, _ := o.IntValue(opts.Pid)
	assert.Check(t, is.Equal(pid, 7))
	dir, _ := o.StringValue(opts.ImagesDir)
	assert.Check(t, is.Equal(dir, "/from/config"))
	workDir, _ := o.StringValue(opts.WorkDir)
	assert.Check(t, is.Equal(workDir, "/from/flags"))
	established, ok := o.BoolValue(opts.TCPEstablished)
	assert.Check(t, ok)
	assert.Check(t, !established)

	_, ok = o.Get(opts.ShellJob)
	assert.Check(t, !ok, "flags that were not given must stay unset")
}

func TestEveryOptionHasAFlag(t *testing.T) {
	flags := pflag.NewFlagSet("criuctl", pflag.ContinueOnError)
	installOptionFlags(flags)
	for _, name := range opts.Names() {
		f := flags.Lookup(flagName(name))
		if assert.Check(t, f != nil, "no flag for %s", name) {
			assert.Check(t, f.Usage != "", "no usage for %s", name)
		}
	}
}
