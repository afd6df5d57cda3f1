package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/kinetic/internal/mint"
)

type submitOptions struct {
	wallet       string
	allowPartial bool
}

func newSubmitCmd() *cobra.Command {
	opts := &submitOptions{}
	cmd := &cobra.Command{
		Use:   "submit <batch-id>",
		Short: "Mint a journaled capture",
		Long: `Submit a stored capture to the minting service.

The batch id may be shortened to any unique prefix of at least six characters.
Submissions are idempotent: resubmitting the same batch to the same wallet
reuses the request id, so a retry after a failure never mints twice.`,
		Example: `  kinetic submit 3f9a1c0b2d4e --wallet 0x52908400098527886E0F7030069857D2E4169EE7`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.wallet, "wallet", "", "Destination wallet address (default from config)")
	cmd.Flags().BoolVar(&opts.allowPartial, "allow-partial", false, "Submit even if the buffer overflowed during capture")
	return cmd
}

func runSubmit(cmd *cobra.Command, batchID string, opts *submitOptions) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	wallet := opts.wallet
	if wallet == "" {
		wallet = a.cfg.Mint.Wallet
	}
	if wallet == "" {
		return fmt.Errorf("a wallet is required: pass --wallet or set mint.wallet in the config")
	}
	if err := mint.ValidateAddress(wallet); err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	store, err := a.journal()
	if err != nil {
		return err
	}
	defer store.Close()

	batch, err := store.LoadBatch(cmd.Context(), batchID)
	if err != nil {
		return err
	}
	return submitBatch(cmd, a, store, batch.Fingerprint, batch, wallet, opts.allowPartial)
}
