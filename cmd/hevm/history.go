package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fortiblox/hevm/pkg/journal"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		program string
		limit   int
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "history [id]",
		Short: "Show recorded runs, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := a.openJournal()
			if err != nil {
				return err
			}
			if j == nil {
				return fmt.Errorf("the journal is disabled")
			}
			defer j.Close()

			var recs []*journal.Record
			switch {
			case len(args) == 1:
				var id uint64
				if _, err := fmt.Sscan(args[0], &id); err != nil {
					return fmt.Errorf("invalid record id %q", args[0])
				}
				rec, err := j.Get(id)
				if err != nil {
					return err
				}
				recs = []*journal.Record{rec}
			case program != "":
				recs, err = j.ForProgram(program, limit)
			default:
				recs, err = j.List(limit)
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROGRAM\tSTATUS\tSTEPS\tDURATION\tSTARTED\tREASON")
			for _, r := range recs {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Program, colorStatus(r.Status), humanize.Comma(int64(r.Steps)),
					r.Duration().Round(time.Microsecond), humanize.Time(r.Started), r.Reason)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&program, "program", "p", "", "Only show runs of this program")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of records (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}
