// Command ecohub runs the EcoHub reward wallet and shop services.
package main

import (
	"os"

	"github.com/ecohub/rewards/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
