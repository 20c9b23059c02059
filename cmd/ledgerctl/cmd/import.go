package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-engine/internal/engine"
)

// Flags for the import command
var (
	importDocumentFiles []string
	importMovementFiles []string
	importProfile       string
	importOutputFormat  string
	importShowProgress  bool
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a batch and reconcile it against the bank statement",
	Long: `Import reads document and movement feed files, merges the documents by
source priority, matches each bank movement against the open documents,
commits the settlements and posts the balanced ledger operations, then runs
the incoherence check over the imported statement.

Examples:
  # Statement against an invoice export
  ledgerctl import --documents invoices.csv --movements statement.csv

  # Strict matching with JSON output
  ledgerctl import --documents docs.json --movements stmt.csv \
    --profile strict --output-format json

  # With progress indicators on large statements
  ledgerctl import --documents docs.csv --movements stmt.csv --progress`,

	PreRunE: validateImportFlags,
	RunE:    runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringSliceVarP(&importDocumentFiles, "documents", "D", []string{}, "comma-separated paths to document feed files")
	importCmd.Flags().StringSliceVarP(&importMovementFiles, "movements", "m", []string{}, "comma-separated paths to bank movement feed files")
	importCmd.Flags().StringVarP(&importProfile, "profile", "p", "default", "matching profile: default, strict, relaxed")
	importCmd.Flags().StringVarP(&importOutputFormat, "output-format", "f", "console", "output format: console, json")
	importCmd.Flags().BoolVar(&importShowProgress, "progress", false, "show progress indicators")

	viper.BindPFlag("documents", importCmd.Flags().Lookup("documents"))
	viper.BindPFlag("movements", importCmd.Flags().Lookup("movements"))
	viper.BindPFlag("profile", importCmd.Flags().Lookup("profile"))
	viper.BindPFlag("output-format", importCmd.Flags().Lookup("output-format"))
	viper.BindPFlag("progress", importCmd.Flags().Lookup("progress"))
}

func validateImportFlags(cmd *cobra.Command, args []string) error {
	if _, err := matchingProfile(importProfile); err != nil {
		return err
	}
	if importOutputFormat != "console" && importOutputFormat != "json" {
		return fmt.Errorf("invalid output format %q. Valid formats: console, json", importOutputFormat)
	}
	return validateSessionFlags(importDocumentFiles, importMovementFiles)
}

func runImport(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), importDocumentFiles, importMovementFiles, importProfile, importShowProgress)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	if importOutputFormat == "json" {
		out := struct {
			Result *engine.BatchResult  `json:"result"`
			Review []*engine.ReviewItem `json:"review,omitempty"`
		}{Result: sess.result, Review: sess.engine.ReviewQueue()}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	printBatchResult(sess)
	return nil
}

func printBatchResult(sess *session) {
	s := sess.result.Summary

	fmt.Println("Import Summary")
	fmt.Println("==============")
	fmt.Printf("Documents created:   %d\n", s.DocumentsCreated)
	fmt.Printf("Documents merged:    %d\n", s.DocumentsMerged)
	if s.MergeConflicts > 0 {
		fmt.Printf("Merge conflicts:     %d\n", s.MergeConflicts)
	}
	fmt.Printf("Movements processed: %d\n", s.TotalMovements)
	fmt.Printf("Reconciled:          %d (EUR %s settled)\n", s.Reconciled, s.TotalSettledAmount.StringFixed(2))
	if s.AlreadySettled > 0 {
		fmt.Printf("Already settled:     %d\n", s.AlreadySettled)
	}
	fmt.Printf("Unmatched:           %d\n", s.Unmatched)
	fmt.Printf("Ambiguous:           %d\n", s.Ambiguous)
	if s.LedgerEntriesPosted > 0 {
		fmt.Printf("Ledger entries:      %d\n", s.LedgerEntriesPosted)
	}
	fmt.Printf("Duration:            %s\n", s.ProcessingDuration)

	if review := sess.engine.ReviewQueue(); len(review) > 0 {
		fmt.Println("\nReview Queue")
		fmt.Println("------------")
		for _, item := range review {
			fmt.Printf("  %s  EUR %s  %s  (%s)\n",
				item.Movement.DocumentDate.Format("2006-01-02"),
				item.Movement.Amount.StringFixed(2),
				item.Movement.Counterparty,
				item.Reason)
			for _, id := range item.CandidateIDs {
				fmt.Printf("    candidate: %s\n", id)
			}
		}
	}

	if len(sess.result.Discrepancies) > 0 {
		fmt.Println("\nIncoherences")
		fmt.Println("------------")
		printDiscrepancies(sess.result.Discrepancies)
	}
}
