// jobctl submits factorial jobs to the compute service, follows their progress
// and fetches the results.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"jobctl/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		stop()
		os.Exit(1)
	}
}
