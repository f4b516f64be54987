package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/relay"
)

func newRelayCmd() *cobra.Command {
	var (
		flagHost    string
		flagPort    int
		flagDB      string
		flagTLSCert string
		flagTLSKey  string
		flagDebug   bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the relay server",
		Long:  "Starts the WebSocket relay that routes sync frames between devices sharing a vault. The relay never sees plaintext when clients use end-to-end encryption.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := resolvedCfg.Relay

			if cmd.Flags().Changed("host") {
				cfg.Host = flagHost
			}

			if cmd.Flags().Changed("port") {
				cfg.Port = flagPort
			}

			if cmd.Flags().Changed("db") {
				cfg.DBPath = flagDB
			}

			if cmd.Flags().Changed("tls-cert") {
				cfg.TLSCert = flagTLSCert
			}

			if cmd.Flags().Changed("tls-key") {
				cfg.TLSKey = flagTLSKey
			}

			if flagDebug {
				flagVerbose = true
			}

			logger := buildLogger()

			srv, err := relay.New(relay.Options{
				Host:               cfg.Host,
				Port:               cfg.Port,
				TLSCert:            cfg.TLSCert,
				TLSKey:             cfg.TLSKey,
				MaxDevicesPerVault: cfg.MaxDevicesPerVault,
				RegistryPath:       cfg.DBPath,
				Version:            version,
			}, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx := shutdownContext(context.Background(), logger)

			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "listen address")
	cmd.Flags().IntVar(&flagPort, "port", 18800, "listen port")
	cmd.Flags().StringVar(&flagDB, "db", "relay.db", "device registry database path")
	cmd.Flags().StringVar(&flagTLSCert, "tls-cert", "", "TLS certificate path")
	cmd.Flags().StringVar(&flagTLSKey, "tls-key", "", "TLS key path")
	cmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	return cmd
}
