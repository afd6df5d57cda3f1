package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/kinetic/internal/link"
	"github.com/srg/kinetic/internal/mint"
	"github.com/srg/kinetic/internal/telemetry"
)

const captureTickInterval = 500 * time.Millisecond

type captureOptions struct {
	duration     time.Duration
	maxSamples   int
	wallet       string
	submit       bool
	allowPartial bool
}

func newCaptureCmd() *cobra.Command {
	opts := &captureOptions{}
	cmd := &cobra.Command{
		Use:   "capture <address>",
		Short: "Capture IMU telemetry from a device",
		Long: `Connect to an IMU peripheral, stream accelerometer and gyroscope samples for
the capture duration, and store the batch in the local journal.

Press Ctrl+C to end the capture early; the samples received so far are kept.
A dropped link is recovered automatically with exponential backoff.
With --submit the batch is minted right away.`,
		Example: `  kinetic capture AA:BB:CC:DD:EE:FF -d 30s
  kinetic capture AA:BB:CC:DD:EE:FF --submit --wallet 0x52908400098527886E0F7030069857D2E4169EE7`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, args[0], opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Capture duration (default from config, 15s)")
	cmd.Flags().IntVar(&opts.maxSamples, "max-samples", 0, "Buffer capacity; older samples are dropped beyond it (default from config)")
	cmd.Flags().StringVar(&opts.wallet, "wallet", "", "Destination wallet address for --submit (default from config)")
	cmd.Flags().BoolVar(&opts.submit, "submit", false, "Submit the capture once it is stored")
	cmd.Flags().BoolVar(&opts.allowPartial, "allow-partial", false, "Submit even if the buffer overflowed")
	return cmd
}

func runCapture(cmd *cobra.Command, address string, opts *captureOptions) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	duration := opts.duration
	if duration <= 0 {
		duration = a.cfg.Capture.Duration
	}
	maxSamples := opts.maxSamples
	if maxSamples <= 0 {
		maxSamples = a.cfg.Capture.MaxSamples
	}
	wallet := opts.wallet
	if wallet == "" {
		wallet = a.cfg.Mint.Wallet
	}
	if opts.submit {
		if wallet == "" {
			return fmt.Errorf("--submit requires --wallet or mint.wallet in the config")
		}
		if err := mint.ValidateAddress(wallet); err != nil {
			return err
		}
	}

	decoder, err := telemetry.NewDecoder(a.cfg.Link.PayloadFormat)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	store, err := a.journal()
	if err != nil {
		return err
	}
	defer store.Close()

	buffer := telemetry.NewBuffer(maxSamples, telemetry.WithLogger(a.logger))
	mgr, err := link.NewManager(link.Options{
		Radio:              newRadio(a.logger),
		Decoder:            decoder,
		Sink:               buffer,
		ServiceUUID:        a.cfg.Link.ServiceUUID,
		CharacteristicUUID: a.cfg.Link.CharacteristicUUID,
		ConnectTimeout:     a.cfg.Link.ConnectTimeout,
		Reconnect:          a.cfg.ReconnectPolicy(),
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	out := cmd.OutOrStdout()
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	fmt.Fprintf(out, "Connecting to %s...\n", address)
	if _, err := mgr.Connect(ctx, address); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	fmt.Fprintf(out, "Streaming for %s (Ctrl+C to stop early)\n", duration)

	streamErr := stream(ctx, a, mgr, buffer, duration, cmd.ErrOrStderr())
	stop()

	batch := buffer.Snapshot()
	a.metrics.SamplesEvicted(batch.Evicted)
	decodeFailures := mgr.DecodeFailures()
	if err := mgr.Disconnect(); err != nil {
		a.logger.WithError(err).Warn("Disconnect failed")
	}

	if batch.Len() == 0 {
		if streamErr != nil {
			return streamErr
		}
		return ErrNoSamples
	}

	id, err := store.SaveBatch(context.Background(), address, batch)
	if err != nil {
		return fmt.Errorf("failed to journal capture: %w", err)
	}
	printCaptureSummary(out, id, batch, decodeFailures)

	if streamErr != nil {
		return streamErr
	}
	if !opts.submit {
		fmt.Fprintf(out, "Submit with: kinetic submit %s --wallet <address>\n", id[:12])
		return nil
	}
	return submitBatch(cmd, a, store, id, batch, wallet, opts.allowPartial)
}

// stream waits out the capture while watching link state. It returns nil when
// the duration elapses or the user interrupts, and ErrConnectionLost when
// recovery gives up.
func stream(ctx context.Context, a *app, mgr *link.Manager, buffer *telemetry.Buffer, duration time.Duration, progressOut io.Writer) error {
	progress := NewProgressPrinter(progressOut, "Capturing", duration, func() string {
		state := mgr.State()
		if state == link.Subscribed {
			return fmt.Sprintf("%s samples", humanize.Comma(int64(buffer.Len())))
		}
		return warnColor.Sprintf("%s samples, %s", humanize.Comma(int64(buffer.Len())), state)
	})
	progress.Start()
	defer progress.Stop()

	deadline := time.NewTimer(duration)
	defer deadline.Stop()
	ticker := time.NewTicker(captureTickInterval)
	defer ticker.Stop()

	stale := false
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Capture interrupted")
			return nil

		case <-deadline.C:
			return nil

		case ev, ok := <-mgr.Events():
			if !ok {
				return ErrConnectionLost
			}
			if ev.To == link.Failed {
				return fmt.Errorf("%w: %v", ErrConnectionLost, ev.Err)
			}

		case now := <-ticker.C:
			a.metrics.SetBufferSamples(buffer.Len())
			isStale := mgr.State() == link.Subscribed && buffer.Stale(now, a.cfg.Capture.StaleAfter)
			if isStale && !stale {
				a.logger.WithField("threshold", a.cfg.Capture.StaleAfter).Warn("No samples received recently")
			}
			stale = isStale
		}
	}
}

func printCaptureSummary(w io.Writer, id string, batch telemetry.Batch, decodeFailures int64) {
	rate := 0.0
	if secs := batch.Duration.Seconds(); secs > 0 {
		rate = float64(batch.Len()) / secs
	}

	fmt.Fprintf(w, "Captured %s samples in %s (%.1f Hz)\n",
		humanize.Comma(int64(batch.Len())), batch.Duration.Round(time.Millisecond), rate)
	fmt.Fprintf(w, "Batch: %s\n", id)

	summary := batch.Summary()
	fmt.Fprintf(w, "Average acceleration: %.3f g, average rotation: %.3f °/s\n", summary.AvgAcceleration, summary.AvgGyroscope)

	if batch.Overflow {
		fmt.Fprintln(w, warnColor.Sprintf("Buffer overflowed: %s oldest samples dropped", humanize.Comma(int64(batch.Evicted))))
	}
	if batch.Rejected > 0 {
		fmt.Fprintf(w, "Out-of-order samples rejected: %d\n", batch.Rejected)
	}
	if decodeFailures > 0 {
		fmt.Fprintf(w, "Malformed notifications: %d\n", decodeFailures)
	}
}

// submitBatch prepares and submits a batch, records the outcome and prints the receipt.
func submitBatch(cmd *cobra.Command, a *app, store batchStore, id string, batch telemetry.Batch, wallet string, allowPartial bool) error {
	out := cmd.OutOrStdout()

	req, err := mint.Prepare(batch, wallet, mint.PrepareOptions{
		MinSamples:   a.cfg.Capture.MinSamples,
		AllowPartial: allowPartial,
	})
	if err != nil {
		return err
	}

	minter, err := newMinter(a.cfg, a.logger)
	if err != nil {
		return err
	}
	pipeline := mint.NewPipeline(minter,
		mint.WithRetryPolicy(a.cfg.RetryPolicy()),
		mint.WithLogger(a.logger),
		mint.WithMetrics(a.metrics),
		mint.WithRetryNotify(func(attempt int, delay time.Duration, serr *mint.SubmissionError) {
			fmt.Fprintf(out, "Attempt %d failed: %s; retrying in %s\n", attempt, serr.Message, delay)
		}),
	)

	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	fmt.Fprintf(out, "Submitting %s (%s, %d samples) to %s\n",
		req.Filename, humanize.Bytes(uint64(len(req.Payload))), req.Samples, wallet)
	a.logger.WithFields(logrus.Fields{"batch": id, "request_id": req.RequestID}).Debug("Prepared submission")

	outcome := pipeline.Submit(ctx, req)
	if err := store.RecordOutcome(context.Background(), id, wallet, outcome); err != nil {
		a.logger.WithError(err).Warn("Failed to record submission outcome")
	}

	if !outcome.Succeeded() {
		if outcome.Err.Kind == mint.KindCanceled {
			fmt.Fprintln(out, "Submission canceled")
			return context.Canceled
		}
		return outcome.Err
	}

	tx := outcome.Receipt.Transaction
	fmt.Fprintln(out, successColor.Sprintf("Minted after %d attempt(s)", outcome.Attempts))
	fmt.Fprintf(out, "Transaction to: %s\n", tx.To)
	if tx.Value != "" {
		fmt.Fprintf(out, "Value: %s\n", tx.Value)
	}
	if tx.Data != "" {
		fmt.Fprintf(out, "Data: %s\n", tx.Data)
	}
	for _, f := range outcome.Receipt.UploadedFiles {
		fmt.Fprintf(out, "Uploaded: %s %s\n", f.Filename, f.URL)
	}
	return nil
}
