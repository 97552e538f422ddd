package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"elm327-scanner/elm327"
)

var logger = log.New(os.Stdout, "[ELM327-Scanner] ", log.LstdFlags|log.Lshortfile)

const (
	flagConfig    = "config"
	flagTransport = "transport"
	flagDebug     = "debug"
	flagRetries   = "connect-retries"
)

var config Config

var rootCmd = &cobra.Command{
	Use:           "elm327-scanner",
	Short:         "OBD-II diagnostic scanner for ELM327 adapters",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString(flagConfig)
		loaded, err := loadConfig(path)
		if err != nil {
			return err
		}
		config = loaded
		applyFlags(cmd, &config)

		if strings.EqualFold(config.Logging.Level, "debug") {
			elm327.SetDebug(true)
		}
		return nil
	},
}

// applyFlags дает явным флагам командной строки приоритет над файлом и окружением
func applyFlags(cmd *cobra.Command, c *Config) {
	flags := cmd.Flags()
	if flags.Changed(flagTransport) {
		c.Transport.Kind, _ = flags.GetString(flagTransport)
	}
	if flags.Changed(flagDebug) {
		if debug, _ := flags.GetBool(flagDebug); debug {
			c.Logging.Level = "debug"
		}
	}
	if flags.Changed(flagRetries) {
		c.ConnectRetries, _ = flags.GetUint(flagRetries)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagConfig, "c", "", "config file (default ./config.yaml)")
	pf.StringP(flagTransport, "t", "", "adapter transport: "+strings.Join(transportKinds, ", "))
	pf.BoolP(flagDebug, "d", false, "trace adapter traffic")
	pf.Uint(flagRetries, 0, "extra connect attempts before giving up")

	rootCmd.AddCommand(newScanCmd(), newDevicesCmd(), newServeCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Printf("Error: %v", err)
		stop()
		os.Exit(1)
	}
}
