// Command tandemctl is a thin operator CLI over the C5 client adapter:
// it inspects a running tandemd's handshake and head state, and can
// stream head-change notifications, without pulling in a DVCS library.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/laulauland/tandem/pkg/rpcclient"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	flagAddr        string
	flagWorkspaceID string
	flagCacheDir    string
)

var rootCmd = &cobra.Command{
	Use:   "tandemctl",
	Short: "Inspect and drive a tandemd server over RPC",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "127.0.0.1:7799", "tandemd listen address")
	rootCmd.PersistentFlags().StringVar(&flagWorkspaceID, "workspace", "default", "workspace ID to use for cache and updateOpHeads calls")
	rootCmd.PersistentFlags().StringVar(&flagCacheDir, "cache-dir", defaultCacheDir(), "directory for the optimistic head version cache")

	rootCmd.AddCommand(infoCmd, headsCmd, watchCmd, resolveCmd)
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tandemctl-cache"
	}
	return filepath.Join(home, ".cache", "tandemctl")
}

func connect() (*rpcclient.Client, error) {
	return rpcclient.Connect(flagAddr, flagWorkspaceID, flagCacheDir)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the server's handshake RepoInfo",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		info := c.RepoInfo()
		fmt.Printf("server:           %s (protocol %d.%d)\n", info.ServerVersion, info.ProtocolMajor, info.ProtocolMinor)
		fmt.Printf("backend:          %s\n", info.BackendName)
		fmt.Printf("op store:         %s\n", info.OpStoreName)
		fmt.Printf("commit id length: %d\n", info.CommitIDLength)
		fmt.Printf("change id length: %d\n", info.ChangeIDLength)
		fmt.Printf("root commit:      %s\n", hex.EncodeToString(info.RootCommitID))
		fmt.Printf("root change:      %s\n", hex.EncodeToString(info.RootChangeID))
		fmt.Printf("empty tree:       %s\n", hex.EncodeToString(info.EmptyTreeID))
		fmt.Printf("root operation:   %s\n", hex.EncodeToString(info.RootOperationID))
		fmt.Printf("capabilities:     %v\n", info.Capabilities)
		return nil
	},
}

var headsCmd = &cobra.Command{
	Use:   "heads",
	Short: "Print the current operation heads",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		state, err := c.GetHeads()
		if err != nil {
			return err
		}
		fmt.Printf("version: %d\n", state.Version)
		fmt.Println("heads:")
		for _, h := range state.Heads {
			fmt.Printf("  %s\n", hex.EncodeToString(h))
		}
		if len(state.WorkspaceHeads) > 0 {
			fmt.Println("workspace heads:")
			for ws, h := range state.WorkspaceHeads {
				fmt.Printf("  %s: %s\n", ws, hex.EncodeToString(h))
			}
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream head-change notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		state, err := c.GetHeads()
		if err != nil {
			return err
		}

		w, err := c.WatchHeads(state.Version)
		if err != nil {
			return err
		}
		defer w.Cancel()

		fmt.Printf("watching from version %d (ctrl-c to stop)\n", state.Version)
		for n := range w.Notifications() {
			fmt.Printf("version %d:\n", n.Version)
			for _, h := range n.Heads {
				fmt.Printf("  %s\n", hex.EncodeToString(h))
			}
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <hex-prefix>",
	Short: "Resolve an operation ID prefix",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect()
		if err != nil {
			return err
		}
		defer c.Close()

		outcome, id, err := c.ResolvePrefix(args[0])
		if err != nil {
			return err
		}
		switch outcome {
		case 0:
			fmt.Println("no match")
		case 1:
			fmt.Printf("single match: %s\n", hex.EncodeToString(id))
		default:
			fmt.Println("ambiguous")
		}
		return nil
	},
}
