// Command jsmem is the jsmem command-line tool.
package main

import (
	"os"

	"github.com/kilupskalvis/jsmem/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
