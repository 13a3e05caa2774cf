package main

import (
	"context"
	"fmt"
	"io"

	"github.com/gomlx/gomptarget/omptarget"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

func infoCmd() *cli.Command {
	var dir string
	return &cli.Command{
		Name:      "info",
		Usage:     "Print the launch description of recorded kernels",
		ArgsUsage: "<kernel>...",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "record/replay directory", Value: ".", Destination: &dir},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("info requires the name of at least one recorded kernel")
			}
			for _, name := range cmd.Args().Slice() {
				if err := printKernelRecord(cmd.Root().Writer, dir, name); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printKernelRecord(w io.Writer, dir, name string) error {
	record, memory, err := omptarget.ReadKernelRecord(dir, name)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Kernel %s (device %d):\n"+
		"\tNumTeamsClause:    %d\n"+
		"\tThreadLimitClause: %d\n"+
		"\tLoopTripCount:     %d\n"+
		"\tDeviceMemorySize:  %d (%d bytes read)\n",
		record.Name, record.DeviceID, record.NumTeamsClause, record.ThreadLimitClause, record.LoopTripCount,
		record.DeviceMemorySize, len(memory))
	if err != nil {
		return errors.Wrapf(err, "printing record of %s", name)
	}
	for ii, arg := range record.Args() {
		if _, err = fmt.Fprintf(w, "\tArg #%d:            %s%+d\n", ii, arg.Base, arg.Offset); err != nil {
			return errors.Wrapf(err, "printing record of %s", name)
		}
	}
	return nil
}
