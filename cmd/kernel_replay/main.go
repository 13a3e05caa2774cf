// kernel_replay inspects the artifacts written by devices recording kernel invocations, and compares the
// device memory dumped by a recording with the one dumped by its replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	var verbosity string
	return &cli.Command{
		Name:  "kernel_replay",
		Usage: "Inspect and verify record/replay artifacts of offloaded kernels",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "v", Usage: "logging verbosity", Value: "0", Destination: &verbosity},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := flag.Set("v", verbosity); err != nil {
				return ctx, errors.Wrapf(err, "invalid verbosity %q", verbosity)
			}
			return ctx, nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			infoCmd(),
			diffCmd(),
			configCmd(),
		},
	}
}
