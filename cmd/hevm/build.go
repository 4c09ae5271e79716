package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fortiblox/hevm/pkg/config"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/spf13/cobra"
)

func newBuildCmd(a *app) *cobra.Command {
	var (
		output     string
		noCompress bool
	)

	cmd := &cobra.Command{
		Use:   "build <manifest.toml>",
		Short: "Assemble a program manifest into an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(args[0])
			if err != nil {
				return err
			}
			img, _, err := m.Build()
			if err != nil {
				return fmt.Errorf("build %s: %w", args[0], err)
			}

			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".hevm"
			}
			if err := image.WriteFile(output, img, !noCompress); err != nil {
				return err
			}

			a.log.Debug().Str("manifest", args[0]).Str("output", output).Msg("Built image")
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d instructions, %d constant bytes, digest %s)\n",
				green("built"), output, len(img.Program), len(img.Constants), image.Sum(img))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default: manifest name with .hevm)")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "Write an uncompressed image")
	return cmd
}
