package cli

import (
	"fmt"
	"runtime"

	"deepfield/internal/config"
)

// Version is overridden at link time.
var Version = "0.3.0-dev"

func (r *Root) configShow(asYAML bool) error {
	data, err := r.cfg.Marshal(asYAML)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "# config file: %s\n", config.Path())
	fmt.Fprintln(r.out, string(data))
	return nil
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Fprintf(r.out, "deepfield %s\n", Version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	fmt.Fprintf(r.out, "Database driver: %s\n", r.cfg.Database.Driver)
	return nil
}
