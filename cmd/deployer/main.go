// Command deployer deploys a source tree incrementally
package main

import (
	"fmt"
	"os"

	"github.com/poltergeist/deployer/pkg/cli"
)

var version = "dev"

func main() {
	if err := cli.ExecuteWithVersion(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
