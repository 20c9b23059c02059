package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ledger-reconciliation-engine/internal/models"
)

// Flags for the storno command
var (
	stornoDocumentFiles []string
	stornoMovementFiles []string
	stornoProfile       string
	stornoOutputFormat  string
)

// stornoCmd represents the storno command
var stornoCmd = &cobra.Command{
	Use:   "storno <entry-id-or-document>",
	Short: "Reverse posted ledger entries",
	Long: `Storno posts reversal entries with swapped DARE/AVERE sides. The original
entries are never deleted; the net effect cancels while the audit trail
stays complete.

The argument is a ledger entry id, or a document id/reference whose posted
entries are all reversed.

Examples:
  ledgerctl storno FATT-2026-0042 --documents docs.csv --movements stmt.csv`,

	Args:    cobra.ExactArgs(1),
	PreRunE: validateStornoFlags,
	RunE:    runStorno,
}

func init() {
	rootCmd.AddCommand(stornoCmd)

	stornoCmd.Flags().StringSliceVarP(&stornoDocumentFiles, "documents", "D", []string{}, "comma-separated paths to document feed files")
	stornoCmd.Flags().StringSliceVarP(&stornoMovementFiles, "movements", "m", []string{}, "comma-separated paths to bank movement feed files")
	stornoCmd.Flags().StringVarP(&stornoProfile, "profile", "p", "default", "matching profile: default, strict, relaxed")
	stornoCmd.Flags().StringVarP(&stornoOutputFormat, "output-format", "f", "console", "output format: console, json")
}

func validateStornoFlags(cmd *cobra.Command, args []string) error {
	if _, err := matchingProfile(stornoProfile); err != nil {
		return err
	}
	return validateSessionFlags(stornoDocumentFiles, stornoMovementFiles)
}

func runStorno(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), stornoDocumentFiles, stornoMovementFiles, stornoProfile, false)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	var reversals []*models.LedgerEntry

	if _, err := sess.store.EntryByID(args[0]); err == nil {
		storno, err := sess.engine.Storno(args[0])
		if err != nil {
			os.Exit(handler.HandleError(err))
		}
		reversals = append(reversals, storno)
	} else {
		doc, err := sess.findDocument(args[0])
		if err != nil {
			os.Exit(handler.HandleError(err))
		}
		for _, entry := range sess.store.EntriesForDocument(doc.ID) {
			if entry.ReversalOfID != "" {
				continue
			}
			storno, err := sess.engine.Storno(entry.ID)
			if err != nil {
				os.Exit(handler.HandleError(err))
			}
			reversals = append(reversals, storno)
		}
		if len(reversals) == 0 {
			return fmt.Errorf("document %s has no entries to reverse", doc.ID)
		}
	}

	if stornoOutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reversals)
	}

	for _, storno := range reversals {
		fmt.Printf("Reversed %s: %s %s EUR %s (storno %s)\n",
			storno.ReversalOfID, storno.AccountCode, storno.Side,
			storno.Amount.StringFixed(2), storno.ID)
	}
	return nil
}
