// Command loggyxp tails log files live and streams their lines to browser
// clients over WebSocket. It loads an optional YAML configuration file,
// applies command-line overrides, serves the dashboard and the API over HTTP
// and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
