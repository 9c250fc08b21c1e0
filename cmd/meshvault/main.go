// Command meshvault is the reference CLI front end for a MeshVault node:
// it wires the core.Orchestrator's command surface to a cobra command
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshvault/cmd/cli"
)

func main() {
	root := &cobra.Command{
		Use:   "meshvault",
		Short: "peer-to-peer, content-addressed, post-quantum file storage",
	}

	cli.RegisterIdentity(root)
	cli.RegisterNode(root)
	cli.RegisterVault(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
