package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/gomptarget/omptarget"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

// maxReportedDiffs is the number of differing bytes printed by the diff command.
const maxReportedDiffs = 16

func diffCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare the device memory after a recorded kernel invocation with the one after its replay",
		ArgsUsage: "<kernel>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "record/replay directory", Value: ".", Destination: &dir},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("diff requires the name of one recorded kernel")
			}
			return diffOutputs(cmd.Root().Writer, dir, cmd.Args().First())
		},
	}
}

// diffOutputs fails if the output of the recording and of the replay of the kernel differ.
func diffOutputs(w io.Writer, dir, name string) error {
	originalPath, replayPath := omptarget.OriginalOutputPath(dir, name), omptarget.ReplayOutputPath(dir, name)
	original, err := os.ReadFile(originalPath)
	if err != nil {
		return errors.Wrapf(err, "reading original output of %s", name)
	}
	replayed, err := os.ReadFile(replayPath)
	if err != nil {
		return errors.Wrapf(err, "reading replay output of %s", name)
	}
	klog.V(1).Infof("Comparing %s (%d bytes) with %s (%d bytes)", originalPath, len(original), replayPath, len(replayed))
	if len(original) != len(replayed) {
		return errors.Errorf("outputs of %s have different sizes: %d bytes recorded, %d bytes replayed", name, len(original), len(replayed))
	}

	var numDiffs int
	for ii := range original {
		if original[ii] == replayed[ii] {
			continue
		}
		if numDiffs < maxReportedDiffs {
			_, _ = fmt.Fprintf(w, "offset %#x: recorded %#02x, replayed %#02x\n", ii, original[ii], replayed[ii])
		}
		numDiffs++
	}
	if numDiffs > 0 {
		return errors.Errorf("outputs of %s differ in %d of %d bytes", name, numDiffs, len(original))
	}
	_, err = fmt.Fprintf(w, "Outputs of %s match (%d bytes)\n", name, len(original))
	return err
}
