package main

import (
	"fmt"

	"github.com/fortiblox/hevm/pkg/image"
	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	var noDisasm bool

	cmd := &cobra.Command{
		Use:   "inspect <manifest.toml|image|stored name>",
		Short: "Show an image's digest, constants and disassembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, name, err := a.resolveImage(args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", bold("program:"), name)
			fmt.Fprintf(w, "%s %s\n", bold("digest:"), image.Sum(img))
			fmt.Fprintf(w, "%s %d\n", bold("instructions:"), len(img.Program))
			fmt.Fprintf(w, "%s %d bytes\n", bold("constants:"), len(img.Constants))
			if err := img.Validate(); err != nil {
				fmt.Fprintf(w, "%s %v\n", yellow("warning:"), err)
			}

			if len(img.Constants) > 0 {
				fmt.Fprintln(w)
				printConstants(w, img.Constants)
			}
			if !noDisasm && len(img.Program) > 0 {
				fmt.Fprintln(w)
				fmt.Fprint(w, img.Program.Disassemble())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noDisasm, "no-disasm", false, "Skip the disassembly listing")
	return cmd
}
