package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// setFlagsFromEnv overrides any flag not explicitly set on the command
// line with a same-named environment variable, PREFIX_FLAG_NAME style
// (dashes become underscores, uppercased) — the same
// "PGPOOL2_LISTEN_ADDRESSES"-style override convention other daemons
// apply via their own SetFlagsFromEnv helper.
func setFlagsFromEnv(flags *pflag.FlagSet, prefix string) error {
	var firstErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := prefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		if err := flags.Set(f.Name, val); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("env %s: %w", name, err)
		}
	})
	return firstErr
}
