package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opd-ai/whisperlink"
)

var (
	configPath string
	password   string
	config     *whisperlink.FileConfig
)

func Execute() error {
	root := &cobra.Command{
		Use:   "whisperlink",
		Short: "End-to-end encrypted chat client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				configPath = filepath.Join(dir, ".whisperlink", "config.yaml")
			}
			// register and fingerprint work before a config exists.
			if _, err := os.Stat(configPath); err == nil {
				loaded, err := whisperlink.LoadConfig(configPath)
				if err != nil {
					return err
				}
				config = loaded
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.whisperlink/config.yaml)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "password protecting the key backup")

	root.AddCommand(registerCmd(), fingerprintCmd(), backupCmd(), restoreCmd(), chatCmd())
	return root.Execute()
}

func backupPath() (string, error) {
	if config != nil && config.BackupPath != "" {
		return config.BackupPath, nil
	}
	return "", fmt.Errorf("no backup path: set backup_path in %s", configPath)
}
