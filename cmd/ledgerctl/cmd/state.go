package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Flags for the state command
var (
	stateDocumentFiles []string
	stateMovementFiles []string
	stateProfile       string
	stateOutputFormat  string
)

// stateCmd represents the state command
var stateCmd = &cobra.Command{
	Use:   "state <document-id-or-reference>",
	Short: "Show the lifecycle state of a document",
	Long: `State imports the given feed files and prints the lifecycle state of one
document, looked up by id or by reference, together with its settlement
links and reconciliation history.

Examples:
  ledgerctl state FATT-2026-0042 --documents docs.csv --movements stmt.csv`,

	Args:    cobra.ExactArgs(1),
	PreRunE: validateStateFlags,
	RunE:    runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)

	stateCmd.Flags().StringSliceVarP(&stateDocumentFiles, "documents", "D", []string{}, "comma-separated paths to document feed files")
	stateCmd.Flags().StringSliceVarP(&stateMovementFiles, "movements", "m", []string{}, "comma-separated paths to bank movement feed files")
	stateCmd.Flags().StringVarP(&stateProfile, "profile", "p", "default", "matching profile: default, strict, relaxed")
	stateCmd.Flags().StringVarP(&stateOutputFormat, "output-format", "f", "console", "output format: console, json")
}

func validateStateFlags(cmd *cobra.Command, args []string) error {
	if _, err := matchingProfile(stateProfile); err != nil {
		return err
	}
	return validateSessionFlags(stateDocumentFiles, stateMovementFiles)
}

func runState(cmd *cobra.Command, args []string) error {
	handler := NewCLIErrorHandler()

	sess, err := loadSession(context.Background(), stateDocumentFiles, stateMovementFiles, stateProfile, false)
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	doc, err := sess.findDocument(args[0])
	if err != nil {
		os.Exit(handler.HandleError(err))
	}

	if stateOutputFormat == "json" {
		out := struct {
			Document    interface{} `json:"document"`
			Settlements interface{} `json:"settlements,omitempty"`
			History     interface{} `json:"history,omitempty"`
		}{
			Document:    doc,
			Settlements: sess.store.SettlementsFor(doc.ID),
			History:     sess.store.ReconciliationsFor(doc.ID),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Document:     %s\n", doc.ID)
	fmt.Printf("Kind:         %s\n", doc.Kind)
	fmt.Printf("Reference:    %s\n", doc.Reference)
	fmt.Printf("Counterparty: %s\n", doc.Counterparty)
	fmt.Printf("Amount:       EUR %s\n", doc.Amount.StringFixed(2))
	fmt.Printf("Provenance:   %s\n", doc.Provenance)
	fmt.Printf("State:        %s", doc.State)
	if doc.Locked {
		fmt.Print(" (locked)")
	}
	if doc.Incoherent {
		fmt.Print(" [INCOHERENT]")
	}
	fmt.Println()
	if doc.Fine != nil {
		fmt.Printf("Fine stage:   %s (verbale %s)\n", doc.Fine.Stage, doc.Fine.Verbale)
	}

	for _, link := range sess.store.SettlementsFor(doc.ID) {
		fmt.Printf("Settled:      EUR %s via %s ledger on %s (movement %s)\n",
			link.Amount.StringFixed(2), link.Side, link.SettledOn.Format("2006-01-02"), link.MovementID)
	}
	return nil
}
