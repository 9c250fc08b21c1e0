package cli

// node.go exposes node lifecycle, peer/metrics introspection, and the
// storage-limit and config helpers.

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"meshvault/pkg/config"
	"meshvault/pkg/utils"
)

func nodeWaitReady(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = utils.EnvOrDefaultDuration("MESHVAULT_READY_TIMEOUT", 10*time.Second)
	}
	if err := o.WaitForNodeReady(timeout); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "node ready")
	return nil
}

func nodePeers(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	peers, err := o.ListPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%dms\t%s\n", p.PeerID, p.Address, p.LatencyMs, p.Status)
	}
	return nil
}

func nodeMetrics(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	m, err := o.GetMetrics()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "bytes_used=%d quota=%d peers=%d blocks=%d manifests=%d dht_entries=%d\n",
		m.BytesUsed, m.StorageQuota, m.PeerCount, m.KnownBlockCount, m.ManifestCount, m.DHTBucketEntries)
	return nil
}

func nodeStorageLimit(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		limit, err := o.GetStorageLimit()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\n", limit)
		return nil
	}
	var bytes uint64
	if _, err := fmt.Sscanf(args[0], "%d", &bytes); err != nil {
		return err
	}
	if err := o.SetStorageLimit(bytes); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "storage limit set to %d bytes\n", bytes)
	return nil
}

func nodeInitConfig(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	if err := config.WriteDefault(out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", out)
	return nil
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "P2P node lifecycle, peers and metrics",
}

var nodeWaitReadyCmd = &cobra.Command{Use: "wait-ready", Args: cobra.NoArgs, RunE: nodeWaitReady}
var nodePeersCmd = &cobra.Command{Use: "peers", Args: cobra.NoArgs, RunE: nodePeers}
var nodeMetricsCmd = &cobra.Command{Use: "metrics", Args: cobra.NoArgs, RunE: nodeMetrics}
var nodeStorageLimitCmd = &cobra.Command{Use: "storage-limit [bytes]", Args: cobra.MaximumNArgs(1), RunE: nodeStorageLimit}
var nodeInitConfigCmd = &cobra.Command{Use: "init-config", Short: "write a default config file", Args: cobra.NoArgs, RunE: nodeInitConfig}

func init() {
	nodeCmd.PersistentFlags().String("config", "", "config file name (without extension)")
	nodeCmd.PersistentFlags().String("identity", "", "identity file path")
	nodeCmd.PersistentFlags().String("passphrase", "", "identity unlock passphrase")
	nodeWaitReadyCmd.Flags().Duration("timeout", 10*time.Second, "how long to wait for node readiness")
	nodeInitConfigCmd.Flags().String("out", "config/default.yaml", "destination path")
	nodeCmd.AddCommand(nodeWaitReadyCmd, nodePeersCmd, nodeMetricsCmd, nodeStorageLimitCmd, nodeInitConfigCmd)
}

// RegisterNode attaches the node command group to root.
func RegisterNode(root *cobra.Command) { root.AddCommand(nodeCmd) }
