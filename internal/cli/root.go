package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ksyq12/sitectl/internal/logger"
)

var (
	jsonOutput bool
	verbose    bool
	version    = "dev"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sitectl",
	Short: "Site and deployment orchestration for nginx and PHP-FPM",
	Long: `sitectl provisions and operates websites on a single host.

It renders nginx vhosts and PHP-FPM pools, applies them transactionally with
validation and automatic rollback, manages TLS certificates and deploys
application code from GitHub or uploaded archives with atomic release
switching.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the running
// operation's context.
func Execute() {
	cobra.OnInitialize(func() {
		logger.Init(verbose)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	logger.Sync()
	if err != nil {
		reportError(err)
		os.Exit(exitCode(err))
	}
}

// SetVersion sets the version string for the CLI
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging for debugging")
}
