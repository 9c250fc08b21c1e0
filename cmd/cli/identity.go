package cli

// identity.go exposes create/show/rotate-passphrase for a MeshVault
// identity file, the CLI's front door to
// core.CreateIdentity/UnlockIdentity.

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"meshvault/core"
)

func identityPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("path")
	if p == "" {
		p = "identity.json"
	}
	return p
}

func identityCreate(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	passphrase, _ := cmd.Flags().GetString("passphrase")
	id, _, err := core.CreateIdentity(name, passphrase)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(identityPath(cmd), data, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created identity %s at %s\n", id.ID, identityPath(cmd))
	return nil
}

func identityShow(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(identityPath(cmd))
	if err != nil {
		return err
	}
	var id core.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "id=%s display_name=%s created_at=%d\n", id.ID, id.DisplayName, id.CreatedAt)
	return nil
}

func identityRotate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(identityPath(cmd))
	if err != nil {
		return err
	}
	var id core.Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	oldPass, _ := cmd.Flags().GetString("old-passphrase")
	newPass, _ := cmd.Flags().GetString("new-passphrase")
	unlocked, err := core.UnlockIdentity(&id, oldPass)
	if err != nil {
		return err
	}
	defer unlocked.Wipe()
	if err := core.RotatePassphrase(&id, unlocked, newPass); err != nil {
		return err
	}
	out, err := json.MarshalIndent(&id, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(identityPath(cmd), out, 0o600); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "passphrase rotated")
	return nil
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "manage a MeshVault identity file",
}

var identityCreateCmd = &cobra.Command{Use: "create", Short: "generate a new identity", RunE: identityCreate}
var identityShowCmd = &cobra.Command{Use: "show", Short: "print identity metadata", RunE: identityShow}
var identityRotateCmd = &cobra.Command{Use: "rotate", Short: "rotate the identity passphrase", RunE: identityRotate}

func init() {
	identityCmd.PersistentFlags().String("path", "identity.json", "identity file path")
	identityCreateCmd.Flags().String("name", "", "display name")
	identityCreateCmd.Flags().String("passphrase", "", "unlock passphrase")
	identityRotateCmd.Flags().String("old-passphrase", "", "current passphrase")
	identityRotateCmd.Flags().String("new-passphrase", "", "new passphrase")
	identityCmd.AddCommand(identityCreateCmd, identityShowCmd, identityRotateCmd)
}

// RegisterIdentity attaches the identity command group to root.
func RegisterIdentity(root *cobra.Command) { root.AddCommand(identityCmd) }
