package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-reconciliation-engine/pkg/logger"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ledgerctl",
	Short: "Payment reconciliation and ledger consistency tool",
	Long: `Ledgerctl reconciles ledger documents (invoices, corrispettivi, traffic
fines) against bank statement movements. It merges competing sources by
provenance, matches movements with tolerance-based heuristics, enforces the
document lifecycle and the DARE/AVERE balance, and reports incoherences.

Examples:
  ledgerctl import --documents invoices.csv --movements statement.csv
  ledgerctl import --documents docs.json --movements stmt.csv --profile strict --output-format json
  ledgerctl check --documents docs.csv --movements stmt.csv --period 2026-03
  ledgerctl state FATT-2026-0042 --documents docs.csv --movements stmt.csv
  ledgerctl version`,
	Version: getVersionString(),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)

		// If a config file is specified, read it in.
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
			os.Exit(1)
		}

		if viper.GetBool("verbose") {
			fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
		}
	}

	// Read environment variables that match
	viper.SetEnvPrefix("LEDGER")
	viper.AutomaticEnv()

	if viper.GetBool("verbose") {
		log, err := logger.NewLogger(&logger.Config{Level: logger.DebugLevel, Format: logger.TextFormat})
		if err == nil {
			logger.SetGlobalLogger(log)
		}
	}
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

func getVersionString() string {
	if version == "dev" {
		return fmt.Sprintf("%s (commit %s, built %s)", version, commit, date)
	}
	return version
}
