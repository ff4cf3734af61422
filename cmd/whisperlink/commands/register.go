package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/whisperlink/crypto"
)

// register: generate a fresh identity and write the password-protected
// backup that every later command restores from.
func registerCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Generate an identity key pair and write its backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			if out == "" {
				path, err := backupPath()
				if err != nil {
					return err
				}
				out = path
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("refusing to overwrite existing backup %s", out)
			}

			pair, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			backup, err := crypto.CreateKeyBackup(pair, password)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(backup, "", "  ")
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return err
			}

			fmt.Printf("Identity created, backup written to %s\n", out)
			fmt.Printf("Fingerprint: %s\n", backup.Fingerprint)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "backup file path (default from config)")
	return cmd
}

func readBackup(path string) (*crypto.KeyBackup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	var backup crypto.KeyBackup
	if err := json.Unmarshal(data, &backup); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &backup, nil
}
