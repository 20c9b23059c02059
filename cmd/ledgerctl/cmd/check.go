package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ledger-reconciliation-engine/internal/models"
)

// Flags for the check command
var (
	checkDocumentFiles []string
	checkMovementFiles []string
	checkProfile       string
	checkPeriod        string
	checkOutputFormat  string
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the incoherence scan and report discrepancies",
	Long: `Check imports the given feed files, then runs the full incoherence scan
over the settled documents: payment method against the actual settlement
side, settled amounts against document amounts, and unpaid documents the
statement contradicts. Findings can be filtered by month.

Examples:
  ledgerctl check --documents docs.csv --movements stmt.csv
  ledgerctl check --documents docs.csv --movements stmt.csv --period 2026-03`,

	PreRunE: validateCheckFlags,
	RunE:    runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringSliceVarP(&checkDocumentFiles, "documents", "D", []string{}, "comma-separated paths to document feed files")
	checkCmd.Flags().StringSliceVarP(&checkMovementFiles, "movements", "m", []string{}, "comma-separated paths to bank movement feed files")
	checkCmd.Flags().StringVarP(&checkProfile, "profile", "p", "default", "matching profile: default, strict, relaxed")
	checkCmd.Flags().StringVar(&checkPeriod, "period", "", "only report findings for this month (YYYY-MM)")
	checkCmd.Flags().StringVarP(&checkOutputFormat, "output-format", "f", "console", "output format: console, json")
}

func validateCheckFlags(cmd *cobra.Command, args []string) error {
	if _, err := matchingProfile(checkProfile); err != nil {
		return err
	}
	if checkPeriod != "" {
		if _, err := time.Parse("2006-01", checkPeriod); err != nil {
			return fmt.Errorf("invalid period %q. Use YYYY-MM: %w", checkPeriod, err)
		}
	}
	if checkOutputFormat != "console" && checkOutputFormat != "json" {
		return fmt.Errorf("invalid output format %q. Valid formats: console, json", checkOutputFormat)
	}
	return validateSessionFlags(checkDocumentFiles, checkMovementFiles)
}

func runCheck(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), checkDocumentFiles, checkMovementFiles, checkProfile, false)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	if _, err := sess.engine.CheckCoherence(); err != nil {
		os.Exit(handler.HandleError(err))
	}

	findings := sess.engine.GetDiscrepancies(checkPeriod)

	if checkOutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(findings)
	}

	if len(findings) == 0 {
		fmt.Println("No incoherences found.")
		return nil
	}

	fmt.Printf("%d incoherence(s) found\n", len(findings))
	fmt.Println("=======================")
	printDiscrepancies(findings)
	return nil
}

func printDiscrepancies(findings []*models.Discrepancy) {
	for _, f := range findings {
		fmt.Printf("  [%s] %s/%s  document %s  period %s\n",
			f.Severity, f.Category, f.Subcategory, f.DocumentID, f.Period)
		fmt.Printf("    expected %s, found %s\n", f.ExpectedValue, f.FoundValue)
		if f.SuggestedAction != "" {
			fmt.Printf("    -> %s\n", f.SuggestedAction)
		}
	}
}
