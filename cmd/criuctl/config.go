package main

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/moby/criuctl/opts"
)

// loadConfigFile reads criu options from a TOML file whose keys are option
// names, as in
//
//	images_dir = "/var/lib/criu/web"
//	shell_job = true
//	log_level = 4
func loadConfigFile(path string, o *opts.Options) error {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return errors.Wrap(err, "unable to load config file")
	}
	for _, key := range tree.Keys() {
		name, err := opts.ParseName(key)
		if err != nil {
			return errors.Wrapf(err, "%s", path)
		}
		v := tree.Get(key)
		// TOML integers decode as int64.
		if i, ok := v.(int64); ok {
			v = int(i)
		}
		if err := o.Set(name, v); err != nil {
			return errors.Wrapf(err, "%s", path)
		}
	}
	return nil
}
