package main

import (
	"context"

	"github.com/gomlx/gomptarget/omptarget"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func configCmd() *cli.Command {
	var path string
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration, read from a YAML file and the environment",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "YAML configuration file", Destination: &path},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var (
				config *omptarget.Config
				err    error
			)
			if path != "" {
				config, err = omptarget.LoadConfig(path)
			} else {
				config, err = omptarget.ConfigFromEnv()
			}
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.Root().Writer)
			enc.SetIndent(2)
			if err = enc.Encode(config); err != nil {
				return errors.Wrap(err, "encoding configuration")
			}
			return enc.Close()
		},
	}
}
