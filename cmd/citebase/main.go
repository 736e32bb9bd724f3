package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "citebase",
	Short: "Multi-tenant document question answering with grounded citations",
	Long: `citebase ingests documents into per-tenant semantic indexes and
answers questions grounded strictly in retrieved passages.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the citebase version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("citebase %s\n", version)
	},
}

func main() {
	// A .env next to the binary is a dev convenience; missing is fine.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(feedbackCmd)
	rootCmd.AddCommand(documentsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		printFail("%v", err)
		os.Exit(1)
	}
}
