package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/whisperlink/crypto"
)

// backup re-encrypts the identity under a new password, writing a
// fresh backup file. The old file is left in place until the new one
// is fully written.
func backupCmd() *cobra.Command {
	var out, newPassword string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Re-encrypt the key backup under a new password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("current password required (-p)")
			}
			if newPassword == "" {
				return fmt.Errorf("--new-password required")
			}

			path, err := backupPath()
			if err != nil {
				return err
			}
			if out == "" {
				out = path
			}

			existing, err := readBackup(path)
			if err != nil {
				return err
			}
			pair, err := crypto.RestoreKeyFromBackup(existing, password)
			if err != nil {
				return err
			}
			rotated, err := crypto.CreateKeyBackup(pair, newPassword)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(rotated, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}

			fmt.Printf("Backup rewritten to %s\n", out)
			fmt.Printf("Fingerprint: %s\n", rotated.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (default: overwrite current backup)")
	cmd.Flags().StringVar(&newPassword, "new-password", "", "new password for the backup")
	return cmd
}
