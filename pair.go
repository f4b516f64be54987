package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/e2ee"
	"github.com/vaultsync/vaultsync/internal/protocol"
)

// pairingWait bounds how long either side of a pairing waits for the
// other. Matches the relay's pending-pairing TTL.
const pairingWait = 5 * time.Minute

func newPairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair a new device with a vault",
		Long:  "Admits a new device past the relay's device cap. Run \"pair join\" on the new device, then \"pair approve\" on an already-paired one and enter the displayed code.",
	}

	cmd.AddCommand(newPairJoinCmd())
	cmd.AddCommand(newPairApproveCmd())

	return cmd
}

func newPairJoinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join",
		Short: "Request admission for this device",
		Long:  "Generates a one-time pairing code, sends a pairing request to the relay, and waits for an existing device to approve it. Share the code with the approver out of band.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runPairJoin(resolvedCfg.Sync, buildLogger())
		},
	}
}

func newPairApproveCmd() *cobra.Command {
	var flagCode string

	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve a pending pairing request",
		Long:  "Waits for a pairing request from a joining device and approves it if the entered code matches.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if flagCode == "" {
				return errors.New("pairing code required; pass --code")
			}

			return runPairApprove(resolvedCfg.Sync, flagCode, buildLogger())
		},
	}

	cmd.Flags().StringVar(&flagCode, "code", "", "pairing code displayed by the joining device")

	return cmd
}

func runPairJoin(cfg config.Sync, logger *slog.Logger) error {
	identity, err := loadPairingIdentity(cfg)
	if err != nil {
		return err
	}

	code, err := e2ee.NewPairingCode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(shutdownContext(context.Background(), logger), pairingWait)
	defer cancel()

	sock, _, err := websocket.Dial(ctx, cfg.Server, nil)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", cfg.Server, err)
	}
	defer sock.Close(websocket.StatusNormalClosure, "")

	request := &protocol.PairRequest{
		DeviceID:        identity.deviceID,
		DeviceName:      identity.deviceName,
		VaultID:         identity.vaultID,
		PairingCodeHash: e2ee.HashPairingCode(code),
	}

	if err := sendFrame(ctx, sock, request, identity.key); err != nil {
		return err
	}

	fmt.Printf("Pairing code: %s\n", code)
	fmt.Println("On an already-paired device, run: vaultsync pair approve --code", code)
	fmt.Println("Waiting for approval...")

	// Re-broadcast the request so an approver who connects after us
	// still sees it.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sendFrame(ctx, sock, request, identity.key); err != nil {
					return
				}
			}
		}
	}()

	for {
		msg, err := readFrame(ctx, sock, identity.key)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *protocol.PairConfirm:
			if !m.Approved {
				return errors.New("pairing was denied")
			}

			fmt.Println("Pairing approved. Run \"vaultsync sync\" to start synchronizing.")

			return nil
		case *protocol.Error:
			return fmt.Errorf("relay rejected pairing: %s: %s", m.Code, m.Message)
		default:
			// Room chatter; keep waiting.
		}
	}
}

func runPairApprove(cfg config.Sync, code string, logger *slog.Logger) error {
	identity, err := loadPairingIdentity(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(shutdownContext(context.Background(), logger), pairingWait)
	defer cancel()

	sock, _, err := websocket.Dial(ctx, cfg.Server, nil)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", cfg.Server, err)
	}
	defer sock.Close(websocket.StatusNormalClosure, "")

	// Authenticate as an existing member so the relay accepts our
	// confirmation.
	if err := sendFrame(ctx, sock, &protocol.Hello{
		DeviceID:      identity.deviceID,
		DeviceName:    identity.deviceName,
		VaultID:       identity.vaultID,
		ClientVersion: version,
	}, identity.key); err != nil {
		return err
	}

	wantHash := e2ee.HashPairingCode(code)

	fmt.Println("Waiting for a pairing request...")

	for {
		msg, err := readFrame(ctx, sock, identity.key)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case *protocol.PairRequest:
			if m.PairingCodeHash != wantHash {
				fmt.Fprintf(os.Stderr, "Ignoring request from %s: code mismatch\n", m.DeviceName)
				continue
			}

			if err := sendFrame(ctx, sock, &protocol.PairConfirm{
				DeviceID: m.DeviceID,
				Approved: true,
			}, identity.key); err != nil {
				return err
			}

			fmt.Printf("Approved %s (%s).\n", m.DeviceName, m.DeviceID)

			return nil
		case *protocol.Error:
			return fmt.Errorf("relay error: %s: %s", m.Code, m.Message)
		default:
			// hello-ack, device lists, deltas. Not ours.
		}
	}
}

// pairingIdentity bundles what both ends of a pairing need to talk to
// the relay.
type pairingIdentity struct {
	deviceID   string
	deviceName string
	vaultID    string
	key        []byte
}

func loadPairingIdentity(cfg config.Sync) (*pairingIdentity, error) {
	vaultDir, err := resolveVaultDir(cfg.VaultDir)
	if err != nil {
		return nil, err
	}

	key, vaultID, err := vaultIdentity(cfg.PassphraseFile)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolving hostname: %w", err)
	}

	deviceName := cfg.DeviceName
	if deviceName == "" {
		deviceName = hostname
	}

	return &pairingIdentity{
		deviceID:   e2ee.DeviceID(hostname, vaultDir),
		deviceName: deviceName,
		vaultID:    vaultID,
		key:        key,
	}, nil
}

func sendFrame(ctx context.Context, sock *websocket.Conn, m protocol.Message, key []byte) error {
	data, err := protocol.EncodeFrame(m, key)
	if err != nil {
		return err
	}

	if err := sock.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("sending %s: %w", m.MessageType(), err)
	}

	return nil
}

func readFrame(ctx context.Context, sock *websocket.Conn, key []byte) (protocol.Message, error) {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading from relay: %w", err)
		}

		msg, err := protocol.DecodeFrame(data, key)
		if errors.Is(err, protocol.ErrNeedKey) {
			// Encrypted room traffic we cannot open yet.
			continue
		}

		if err != nil {
			return nil, err
		}

		return msg, nil
	}
}
