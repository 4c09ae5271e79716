package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/fortiblox/hevm/pkg/store"
	"github.com/spf13/cobra"
)

func newStoreCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the program library",
	}
	cmd.AddCommand(
		newStorePutCmd(a),
		newStoreGetCmd(a),
		newStoreListCmd(a),
		newStoreRemoveCmd(a),
	)
	return cmd
}

// withStore opens the program library for the duration of fn.
func (a *app) withStore(fn func(s *store.BoltStore) error) error {
	s, err := a.openStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newStorePutCmd(a *app) *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "put <manifest.toml|image>",
		Short: "Add or replace a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, defName, err := loadImage(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = defName
			}
			return a.withStore(func(s *store.BoltStore) error {
				entry, err := s.Put(name, img)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", green("stored"), entry.Name, entry.Digest)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Program name (default: file name without extension)")
	return cmd
}

func newStoreGetCmd(a *app) *cobra.Command {
	var (
		output     string
		noCompress bool
	)

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Export a stored program as an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.BoltStore) error {
				img, entry, err := s.Get(args[0])
				if err != nil {
					return err
				}
				if output == "" {
					output = entry.Name + ".hevm"
				}
				if err := image.WriteFile(output, img, !noCompress); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", green("exported"), entry.Name, output)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output path (default: <name>.hevm)")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "Write an uncompressed image")
	return cmd
}

func newStoreListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List stored programs",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.BoltStore) error {
				entries, err := s.List()
				if err != nil {
					return err
				}
				stats, err := s.GetStats()
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tDIGEST\tINSTRUCTIONS\tSIZE\tADDED")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
						e.Name, e.Digest.Short(), e.Instructions,
						humanize.Bytes(uint64(e.Size)), e.Added.Local().Format(time.DateTime))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\n%d programs, %s on disk\n",
					stats.Programs, humanize.Bytes(uint64(stats.DatabaseSize)))
				return nil
			})
		},
	}
}

func newStoreRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>...",
		Aliases: []string{"remove"},
		Short:   "Remove stored programs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(s *store.BoltStore) error {
				for _, name := range args {
					if err := s.Delete(name); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", yellow("removed"), name)
				}
				return nil
			})
		},
	}
}
