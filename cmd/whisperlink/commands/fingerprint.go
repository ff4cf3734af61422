package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// fingerprint reads the cleartext fields of the backup; no password
// needed just to identify a key.
func fingerprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the identity fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := backupPath()
			if err != nil {
				return err
			}
			backup, err := readBackup(path)
			if err != nil {
				return err
			}
			fmt.Printf("Fingerprint: %s\n", backup.Fingerprint)
			fmt.Printf("Public key:  %s\n", backup.PublicKey)
			return nil
		},
	}
	return cmd
}
