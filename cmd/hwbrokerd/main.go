// Command hwbrokerd is the local hardware-access broker: it multiplexes
// browser/client access to printers, serial ports, network devices and
// USB HID peripherals through one bidirectional wire-protocol channel.
//
// Usage:
//
//	hwbrokerd serve [--config path] [--log-level debug|info|warn|error]
//	hwbrokerd version
//
// Configuration is loaded from --config (default hwbroker.yaml in the
// working directory) with HWBROKER_-prefixed environment variables
// overriding individual fields; see pkg/config for the full option set.
package main

import (
	"fmt"
	"os"

	"github.com/hwbridge/broker/pkg/broker"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "hwbrokerd",
		Short: "Local hardware-access broker",
		Long:  "hwbrokerd exposes printers, serial ports, network devices and USB HID peripherals to local client software over one bidirectional wire-protocol channel.",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "hwbroker.yaml", "configuration file path")

	root.AddCommand(newServeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the broker version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), broker.Version)
			return nil
		},
	}
}
