package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pgguard",
	Short: "Resilient PostgreSQL access layer",
	Long: `pgguard guards a PostgreSQL connection pool with error classification,
bounded retries, a circuit breaker and coordinated transactions.

The connection target is resolved in this order:
  1. --connection flag
  2. $PGGUARD_CONNECTION_STRING
  3. database.connection_string in pgguard.yaml
  4. $DATABASE_URL
  5. PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE, PGSSLMODE

A .env file in the working directory is loaded first.

Exit Codes:
  0  - Success
  1  - General error
  2  - CLI usage error (invalid arguments or flags)
  3  - Panic or unexpected system error
  10 - Invalid configuration
  11 - Database connection failed
  12 - No database configured
  13 - SQL execution failed
  14 - Circuit breaker open`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		printVersionInfo(os.Stdout)
		return nil
	}
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to pgguard.yaml (default: ./pgguard.yaml if present)")
	rootCmd.PersistentFlags().String("connection", "", "PostgreSQL connection string (URI or ADO.NET format)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
}

// getVerboseFlag safely retrieves the verbose flag value
func getVerboseFlag(cmd *cobra.Command) bool {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to get verbose flag: %v\n", err)
		return false
	}
	return verbose
}

func getStringFlag(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		return ""
	}
	return v
}
