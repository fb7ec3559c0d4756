// Package cmd wires the mpcrawl command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Exit codes: 0 clean run, 1 run finished with failed targets or a runtime
// error, 2 unusable configuration.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mpcrawl",
		Short: "Resumable article crawler for WeChat official accounts",
		Long: `mpcrawl walks the article history of configured official accounts
through the platform's web API, extracts normalized records, and checkpoints
every step so an interrupted crawl resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./mpcrawl.yaml if present)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newExportCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var cfgErr *crawler.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	return exitFailed
}

// configPath resolves the config file: the flag wins, otherwise the default
// file is used when it exists.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if _, err := os.Stat("mpcrawl.yaml"); err == nil {
		return "mpcrawl.yaml"
	}
	return ""
}
