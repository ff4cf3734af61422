package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/whisperlink/crypto"
)

// restore verifies that a backup decrypts under the given password and
// that the recovered key matches the recorded fingerprint.
func restoreCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Verify a key backup decrypts and matches its fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			if in == "" {
				path, err := backupPath()
				if err != nil {
					return err
				}
				in = path
			}

			backup, err := readBackup(in)
			if err != nil {
				return err
			}
			pair, err := crypto.RestoreKeyFromBackup(backup, password)
			if err != nil {
				return err
			}

			fmt.Printf("Backup OK, fingerprint %s\n", crypto.Fingerprint(pair.Public))
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "backup file path (default from config)")
	return cmd
}
