package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/srg/kinetic/internal/journal"
)

type batchesOptions struct {
	format string
}

func newBatchesCmd() *cobra.Command {
	opts := &batchesOptions{}
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "List journaled captures",
		Long:  `List the captures stored in the local journal with their latest submission outcome, most recent first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatches(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

func runBatches(cmd *cobra.Command, opts *batchesOptions) error {
	if err := validateFormat(opts.format); err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	store, err := a.journal()
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListBatches(cmd.Context())
	if err != nil {
		return err
	}
	return printBatches(cmd.OutOrStdout(), records, opts.format)
}

type batchJSON struct {
	ID        string `json:"id"`
	Device    string `json:"device"`
	StartedAt int64  `json:"startedAt"`
	EndedAt   int64  `json:"endedAt"`
	Samples   int    `json:"samples"`
	Evicted   int    `json:"evicted"`
	SavedAt   int64  `json:"savedAt"`
	Status    string `json:"status"`
	To        string `json:"to,omitempty"`
}

func printBatches(w io.Writer, records []journal.BatchRecord, format string) error {
	if format == "json" {
		list := make([]batchJSON, len(records))
		for i, r := range records {
			list[i] = batchJSON{
				ID:        r.ID,
				Device:    r.Device,
				StartedAt: r.StartedAt.UnixMilli(),
				EndedAt:   r.EndedAt.UnixMilli(),
				Samples:   r.Samples,
				Evicted:   r.Evicted,
				SavedAt:   r.SavedAt.UnixMilli(),
				Status:    r.LastKind,
				To:        r.LastTo,
			}
		}
		return writeJSON(w, list)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No captures journaled")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEVICE\tSAMPLES\tDURATION\tSAVED\tSTATUS")
	for _, r := range records {
		id := r.ID
		if len(id) > 12 {
			id = id[:12]
		}
		samples := humanize.Comma(int64(r.Samples))
		if r.Evicted > 0 {
			samples += "+"
		}
		duration := r.EndedAt.Sub(r.StartedAt).Round(100 * time.Millisecond)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", id, r.Device, samples, duration, ago(r.SavedAt), outcomeLabel(r.LastKind))
	}
	return tw.Flush()
}
