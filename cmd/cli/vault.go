package cli

// vault.go exposes upload/download/delete/list against the shared
// Orchestrator.

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func vaultUpload(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	remotePath, localFile := args[0], args[1]
	data, err := os.ReadFile(localFile)
	if err != nil {
		return err
	}
	head, err := o.UploadFile(context.Background(), remotePath, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s as %s (%d bytes)\n", remotePath, head, len(data))
	return nil
}

func vaultDownload(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	remotePath, localFile := args[0], args[1]
	data, err := o.DownloadFile(context.Background(), remotePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(localFile, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "downloaded %s to %s (%d bytes)\n", remotePath, localFile, len(data))
	return nil
}

func vaultDelete(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	if err := o.DeleteFile(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func vaultList(cmd *cobra.Command, args []string) error {
	o, err := ensureOrchestrator(cmd)
	if err != nil {
		return err
	}
	files, err := o.ListFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\t%d blocks\t%s\n", f.Path, f.Size, f.BlockCount, f.ContentType)
	}
	return nil
}

var vaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "upload, download, delete and list files in the mesh",
}

var vaultUploadCmd = &cobra.Command{Use: "upload <remote-path> <local-file>", Args: cobra.ExactArgs(2), RunE: vaultUpload}
var vaultDownloadCmd = &cobra.Command{Use: "download <remote-path> <local-file>", Args: cobra.ExactArgs(2), RunE: vaultDownload}
var vaultDeleteCmd = &cobra.Command{Use: "delete <remote-path>", Args: cobra.ExactArgs(1), RunE: vaultDelete}
var vaultListCmd = &cobra.Command{Use: "list", Args: cobra.NoArgs, RunE: vaultList}

func init() {
	vaultCmd.PersistentFlags().String("config", "", "config file name (without extension)")
	vaultCmd.PersistentFlags().String("identity", "", "identity file path")
	vaultCmd.PersistentFlags().String("passphrase", "", "identity unlock passphrase")
	vaultCmd.AddCommand(vaultUploadCmd, vaultDownloadCmd, vaultDeleteCmd, vaultListCmd)
}

// RegisterVault attaches the vault command group to root.
func RegisterVault(root *cobra.Command) { root.AddCommand(vaultCmd) }
