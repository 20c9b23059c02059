package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestValidateOverrideFlags(t *testing.T) {
	tmpDir := t.TempDir()
	docFile := filepath.Join(tmpDir, "documents.csv")
	if err := os.WriteFile(docFile, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}

	tests := []struct {
		name          string
		setupFlags    func()
		expectError   bool
		errorContains string
	}{
		{
			name: "valid amount override",
			setupFlags: func() {
				reconcileDocumentFiles = []string{docFile}
				overrideAmount = "1050.00"
			},
			expectError: false,
		},
		{
			name: "valid method override",
			setupFlags: func() {
				reconcileDocumentFiles = []string{docFile}
				overrideMethod = "contanti"
			},
			expectError: false,
		},
		{
			name: "no field to change",
			setupFlags: func() {
				reconcileDocumentFiles = []string{docFile}
			},
			expectError:   true,
			errorContains: "at least one of",
		},
		{
			name: "malformed amount",
			setupFlags: func() {
				reconcileDocumentFiles = []string{docFile}
				overrideAmount = "mille"
			},
			expectError:   true,
			errorContains: "invalid amount",
		},
		{
			name: "unknown profile",
			setupFlags: func() {
				reconcileDocumentFiles = []string{docFile}
				overrideAmount = "10.00"
				reconcileProfile = "aggressive"
			},
			expectError:   true,
			errorContains: "unknown matching profile",
		},
		{
			name: "no feed files",
			setupFlags: func() {
				overrideAmount = "10.00"
			},
			expectError:   true,
			errorContains: "--documents or --movements",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset the shared flag variables
			reconcileDocumentFiles = nil
			reconcileMovementFiles = nil
			reconcileProfile = "default"
			overrideAmount = ""
			overrideMethod = ""
			overrideCounterparty = ""
			tt.setupFlags()

			cmd := &cobra.Command{}
			err := validateOverrideFlags(cmd, []string{})

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("expected error to contain '%s', got: %v", tt.errorContains, err)
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}

func TestReconcileCommandHelp(t *testing.T) {
	cmd := reconcileCmd

	for _, flagName := range []string{"documents", "movements", "profile", "output-format"} {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("%s flag not found", flagName)
		}
	}

	var helpOutput bytes.Buffer
	cmd.SetOut(&helpOutput)
	cmd.Help()

	helpText := helpOutput.String()

	expectedSections := []string{
		"Usage:",
		"Examples:",
		"Flags:",
		"--documents",
		"--movements",
		"--profile",
	}

	for _, section := range expectedSections {
		if !strings.Contains(helpText, section) {
			t.Errorf("help text should contain '%s'", section)
		}
	}
}

func TestOverrideCommandFlags(t *testing.T) {
	cmd := overrideCmd

	reasonFlag := cmd.Flags().Lookup("reason")
	if reasonFlag == nil {
		t.Fatal("reason flag not found")
	}
	if required, ok := reasonFlag.Annotations[cobra.BashCompOneRequiredFlag]; !ok || len(required) == 0 || required[0] != "true" {
		t.Error("reason flag should be required")
	}

	for _, flagName := range []string{"amount", "method", "counterparty"} {
		if cmd.Flags().Lookup(flagName) == nil {
			t.Errorf("%s flag not found", flagName)
		}
	}
}
