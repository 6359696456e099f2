// Package main is the entry point for the wifi-captive daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"wifi-captive/internal/config"
	"wifi-captive/internal/supervisor"
	"wifi-captive/internal/wireless"
)

var flags config.Flags

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(int(supervisor.ExitConfigError))
	}
}

func rootCmd() *cobra.Command {
	defaults, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(int(supervisor.ExitConfigError))
	}

	var logFilter string
	var quitAfterConnected, internetConnectivity bool

	cmd := &cobra.Command{
		Use:   "wifi-captive",
		Short: fmt.Sprintf("Wi-Fi captive-portal daemon (%s backend)", wireless.BackendName),
		Long: `wifi-captive brings up a WPA2/open hotspot with a captive portal
when no known Wi-Fi network is reachable, lets a client submit credentials
for a new network over HTTP, and falls back to the hotspot again if the
connection is lost.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logFilter)
			flags.QuitAfterConnected = quitAfterConnected
			flags.InternetConnectivity = internetConnectivity
			return run(flags)
		},
	}

	cmd.Flags().StringVar(&flags.SSID, "portal-ssid", defaults.PortalSSID, "SSID broadcast by the hotspot")
	cmd.Flags().StringVar(&flags.Passphrase, "portal-passphrase", defaults.PortalPassphrase, "WPA2 passphrase for the hotspot (empty = open)")
	cmd.Flags().StringVar(&flags.PassphraseFile, "passphrase-file", defaults.PassphraseFile, "file containing the hotspot passphrase, overrides --portal-passphrase")
	cmd.Flags().StringVar(&flags.Gateway, "portal-gateway", defaults.PortalGateway, "hotspot gateway address")
	cmd.Flags().StringVar(&flags.DHCPRange, "portal-dhcp-range", defaults.PortalDHCPRange, "DHCP pool as \"start,end\", must lie within the gateway's /24")
	cmd.Flags().IntVar(&flags.ListeningPort, "portal-listening-port", defaults.PortalListeningPort, "HTTP port the captive portal listens on")
	cmd.Flags().StringVar(&flags.Interface, "portal-interface", defaults.PortalInterface, "wireless interface to use; empty picks the first available")
	cmd.Flags().IntVar(&flags.DNSPort, "dns-port", defaults.DNSPort, "DNS responder port")
	cmd.Flags().IntVar(&flags.DHCPPort, "dhcp-port", defaults.DHCPPort, "DHCP server port")
	cmd.Flags().IntVar(&flags.WaitBeforeReconfigure, "wait-before-reconfigure", defaults.WaitBeforeReconfigure, "seconds to wait for a known network before activating the portal, and before giving up on a lost connection")
	cmd.Flags().IntVar(&flags.RetryIn, "retry-in", defaults.RetryIn, "seconds between automatic known-network retries while the portal is active")
	cmd.Flags().BoolVar(&quitAfterConnected, "quit-after-connected", false, "exit successfully as soon as a connection is established")
	cmd.Flags().BoolVar(&internetConnectivity, "internet-connectivity", false, "require full internet reachability, not just link-local connectivity, before considering the device connected")
	cmd.Flags().StringVar(&flags.UIDirectory, "ui-directory", defaults.UIDirectory, "directory of static files to serve as the portal UI; empty serves a minimal built-in page")
	cmd.Flags().StringVar(&logFilter, "log-filter", defaults.LogFilter, "log level: trace, debug, info, warn, error")

	return cmd
}

// run builds the daemon's configuration and backend, then drives the
// Supervisor until it exits or ctx is cancelled by a signal.
func run(flags config.Flags) error {
	cfg, err := config.Build(flags)
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(int(supervisor.ExitConfigError))
	}

	backend, err := wireless.New()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize wireless backend")
		os.Exit(int(supervisor.ExitBackendUnreachable))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("backend", wireless.BackendName).
		Str("ssid", cfg.SSID).
		Str("gateway", cfg.Gateway.String()).
		Msg("starting wifi-captive")

	sv := supervisor.New(cfg, backend, log.Logger)
	code := sv.Run(ctx)

	log.Info().Int("exit_code", int(code)).Msg("wifi-captive stopped")
	os.Exit(int(code))
	return nil
}

// setupLogging configures the global zerolog logger from a level name.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
