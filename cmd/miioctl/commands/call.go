package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/edgecli/miioclient/internal/device"
	"github.com/edgecli/miioclient/internal/netmgr"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	callAddress string
	callPort    int
	callToken   string
	callArgs    []string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <method>",
	Short: "Send one JSON-RPC call to a device by address",
	Args:  cobra.ExactArgs(1),
	RunE:  runCall,
}

func init() {
	callCmd.Flags().StringVar(&callAddress, "address", "", "device IPv4 address (required)")
	callCmd.Flags().IntVar(&callPort, "port", 54321, "device UDP port")
	callCmd.Flags().StringVar(&callToken, "token", "", "32-character hex device token")
	callCmd.Flags().StringArrayVar(&callArgs, "arg", nil, "JSON-encoded call argument, repeatable")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 15*time.Second, "overall call timeout")
	callCmd.MarkFlagRequired("address")
}

func runCall(cmd *cobra.Command, args []string) error {
	method := args[0]

	mgr := netmgr.Shared()
	ref := mgr.Ref()
	defer ref.Release()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	tokenHex := callToken
	if tokenHex == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "device token (32 hex chars, leave empty if already known): ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		tokenHex = string(raw)
	}

	info, err := mgr.FindDeviceViaAddress(ctx, netmgr.FindDeviceViaAddressOptions{
		Address:  callAddress,
		Port:     callPort,
		TokenHex: tokenHex,
	})
	if err != nil {
		return err
	}

	callParams, err := parseCallArgs(callArgs)
	if err != nil {
		return err
	}

	result, err := info.Call(ctx, method, callParams, device.CallOptions{})
	if err != nil {
		return err
	}

	fmt.Println(string(result))
	return nil
}

func parseCallArgs(raw []string) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, a := range raw {
		var v any
		if err := json.Unmarshal([]byte(a), &v); err != nil {
			return nil, fmt.Errorf("--arg %q is not valid JSON: %w", a, err)
		}
		out = append(out, v)
	}
	return out, nil
}
