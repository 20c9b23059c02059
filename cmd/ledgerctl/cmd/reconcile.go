package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/lifecycle"
	"ledger-reconciliation-engine/internal/models"
)

// Flags for the reconcile and override commands
var (
	reconcileDocumentFiles []string
	reconcileMovementFiles []string
	reconcileProfile       string
	reconcileOutputFormat  string

	overrideReason       string
	overrideAmount       string
	overrideMethod       string
	overrideCounterparty string
)

// reconcileCmd represents the reconcile command
var reconcileCmd = &cobra.Command{
	Use:   "reconcile <document-id-or-reference>",
	Short: "Reconcile one document against the stored movements",
	Long: `Reconcile settles one document on demand, scanning the imported bank
movements for its settlement evidence. The usual ambiguity rules apply:
either a single clear winner or nothing.

Examples:
  ledgerctl reconcile FATT-2026-0042 --documents docs.csv --movements stmt.csv`,

	Args:    cobra.ExactArgs(1),
	PreRunE: validateReconcileFlags,
	RunE:    runReconcile,
}

// overrideCmd represents the override command
var overrideCmd = &cobra.Command{
	Use:   "override <document-id-or-reference>",
	Short: "Apply an audited forced edit to a locked document",
	Long: `Override edits a reconciled, locked document. The edit requires a reason,
which lands in the audit log together with a forced reconciliation record.

Examples:
  ledgerctl override FATT-2026-0042 --reason "bank posted the corrected amount" \
    --amount 1050.00 --documents docs.csv --movements stmt.csv`,

	Args:    cobra.ExactArgs(1),
	PreRunE: validateOverrideFlags,
	RunE:    runOverride,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(overrideCmd)

	for _, c := range []*cobra.Command{reconcileCmd, overrideCmd} {
		c.Flags().StringSliceVarP(&reconcileDocumentFiles, "documents", "D", []string{}, "comma-separated paths to document feed files")
		c.Flags().StringSliceVarP(&reconcileMovementFiles, "movements", "m", []string{}, "comma-separated paths to bank movement feed files")
		c.Flags().StringVarP(&reconcileProfile, "profile", "p", "default", "matching profile: default, strict, relaxed")
		c.Flags().StringVarP(&reconcileOutputFormat, "output-format", "f", "console", "output format: console, json")
	}

	overrideCmd.Flags().StringVarP(&overrideReason, "reason", "r", "", "reason for the forced edit (required)")
	overrideCmd.Flags().StringVar(&overrideAmount, "amount", "", "new amount")
	overrideCmd.Flags().StringVar(&overrideMethod, "method", "", "new payment method")
	overrideCmd.Flags().StringVar(&overrideCounterparty, "counterparty", "", "new counterparty")
	overrideCmd.MarkFlagRequired("reason")
}

func validateReconcileFlags(cmd *cobra.Command, args []string) error {
	if _, err := matchingProfile(reconcileProfile); err != nil {
		return err
	}
	return validateSessionFlags(reconcileDocumentFiles, reconcileMovementFiles)
}

func validateOverrideFlags(cmd *cobra.Command, args []string) error {
	if overrideAmount == "" && overrideMethod == "" && overrideCounterparty == "" {
		return fmt.Errorf("at least one of --amount, --method, --counterparty is required")
	}
	if overrideAmount != "" {
		if _, err := decimal.NewFromString(overrideAmount); err != nil {
			return fmt.Errorf("invalid amount %q: %w", overrideAmount, err)
		}
	}
	return validateReconcileFlags(cmd, args)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), reconcileDocumentFiles, reconcileMovementFiles, reconcileProfile, false)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	doc, err := sess.findDocument(args[0])
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	record, err := sess.engine.Reconcile(doc.ID)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	if reconcileOutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	fmt.Printf("Reconciled %s against movement %s (confidence %.2f)\n",
		record.DocumentID, record.CounterpartMovementID, record.Confidence)
	return nil
}

func runOverride(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), reconcileDocumentFiles, reconcileMovementFiles, reconcileProfile, false)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	doc, err := sess.findDocument(args[0])
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	var patch lifecycle.Patch
	if overrideAmount != "" {
		amount, _ := decimal.NewFromString(overrideAmount)
		patch.Amount = &amount
	}
	if overrideMethod != "" {
		method, err := models.ParsePaymentMethod(overrideMethod)
		if err != nil {
			os.Exit(handler.HandleError(err))
		}
		patch.PaymentMethod = &method
	}
	if overrideCounterparty != "" {
		patch.Counterparty = &overrideCounterparty
	}

	record, err := sess.engine.ForceEdit(doc.ID, overrideReason, patch)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	if reconcileOutputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	fmt.Printf("Forced edit applied to %s (reason: %s)\n", record.DocumentID, record.ForcedReason)
	return nil
}
