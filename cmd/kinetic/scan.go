package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/kinetic/internal/link"
	"github.com/srg/kinetic/internal/registry"
)

type scanOptions struct {
	duration time.Duration
	format   string
	all      bool
}

func newScanCmd() *cobra.Command {
	opts := &scanOptions{}
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for IMU peripherals",
		Long: `Scan for Bluetooth Low Energy peripherals and list the ones that look like
Kinetic IMU devices, strongest signal first.

Candidates are matched by advertised name (Arduino, ESP32, ...) or by the IMU
data service. Use --all to list every peripheral in range.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Scan duration (default from config, 10s)")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")
	cmd.Flags().BoolVar(&opts.all, "all", false, "List every peripheral, not only IMU candidates")
	return cmd
}

func runScan(cmd *cobra.Command, opts *scanOptions) error {
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

	duration := opts.duration
	if duration <= 0 {
		duration = a.cfg.Scan.Timeout
	}

	mgr, err := link.NewManager(link.Options{
		Radio:   newRadio(a.logger),
		Matcher: scanMatcher(a, opts.all || a.cfg.Scan.All),
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx, stop := interruptContext(cmd.Context())
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Scanning", duration, func() string {
		return fmt.Sprintf("%d found", mgr.Registry().Len())
	})
	progress.Start()

	if err := mgr.StartScan(ctx); err != nil {
		progress.Stop()
		return err
	}
	<-ctx.Done()
	progress.Stop()
	mgr.StopScan()

	// A radio failure ends the scan on its own and is kept on the session.
	if serr := mgr.Session().Err; serr != nil {
		return serr
	}

	return printDescriptors(cmd.OutOrStdout(), mgr.Registry().List(), opts.format)
}

func scanMatcher(a *app, all bool) *registry.Matcher {
	if all {
		return nil
	}
	service := a.cfg.Scan.ServiceUUID
	if service == "" {
		service = a.cfg.Link.ServiceUUID
	}
	m := registry.TargetMatcher(service)
	if len(a.cfg.Scan.NamePatterns) > 0 {
		m.NamePatterns = a.cfg.Scan.NamePatterns
	}
	return m
}

// sortDescriptors orders by signal strength, unknown signal last, then by address.
func sortDescriptors(list []registry.Descriptor) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.SignalKnown() != b.SignalKnown() {
			return a.SignalKnown()
		}
		if a.SignalKnown() && *a.RSSI != *b.RSSI {
			return *a.RSSI > *b.RSSI
		}
		return a.ID < b.ID
	})
}

func printDescriptors(w io.Writer, list []registry.Descriptor, format string) error {
	sortDescriptors(list)
	if format == "json" {
		if list == nil {
			list = []registry.Descriptor{}
		}
		return writeJSON(w, list)
	}

	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tRSSI\tSIGNAL\tSERVICES\tLAST SEEN")
	for _, d := range list {
		name := d.DisplayName()
		if len(name) > 20 {
			name = name[:17] + "..."
		}

		rssi := "-"
		if d.SignalKnown() {
			rssi = fmt.Sprintf("%d dBm", *d.RSSI)
		}

		services := strings.Join(d.Services, ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		if services == "" {
			services = "-"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", name, d.ID, rssi, d.Quality(), services, ago(d.SeenAt))
	}
	return tw.Flush()
}
