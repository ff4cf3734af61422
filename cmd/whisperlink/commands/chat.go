package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/whisperlink"
	"github.com/opd-ai/whisperlink/crypto"
	"github.com/opd-ai/whisperlink/transport"
)

// chat connects to the relay and runs an interactive conversation with
// one peer: stdin lines go out encrypted, inbound messages print as
// they decrypt.
func chatCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat [peer]",
		Short: "Open an encrypted conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID := args[0]
			if password == "" {
				return fmt.Errorf("password required (-p)")
			}
			if config == nil {
				return fmt.Errorf("config required: %s not found", configPath)
			}

			path, err := backupPath()
			if err != nil {
				return err
			}
			backup, err := readBackup(path)
			if err != nil {
				return err
			}
			identity, err := crypto.RestoreKeyFromBackup(backup, password)
			if err != nil {
				return err
			}

			logger := logrus.New()
			logger.SetLevel(logrus.WarnLevel)

			client, err := whisperlink.New(whisperlink.Options{
				UserID:    config.UserID,
				Identity:  identity,
				RelayURL:  config.RelayURL,
				StorePath: config.StorePath,
				Transport: transport.Config{
					ReconnectBaseDelay:   time.Duration(config.ReconnectBaseDelayMS) * time.Millisecond,
					ReconnectMaxDelay:    time.Duration(config.ReconnectMaxDelayMS) * time.Millisecond,
					MaxReconnectAttempts: config.MaxReconnectAttempts,
					HeartbeatInterval:    time.Duration(config.HeartbeatIntervalS) * time.Second,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer client.Destroy()

			client.OnMessage(func(msg *whisperlink.Message) {
				fmt.Printf("\r[%s] %s\n> ", msg.SenderID, msg.Content)
			})
			client.OnTyping(func(conv, user string, isTyping bool) {
				if isTyping && user == peerID {
					fmt.Printf("\r%s is typing...\n> ", user)
				}
			})
			client.OnConnectionChange(func(state transport.ConnectionState) {
				fmt.Printf("\r[relay: %s]\n> ", state)
			})
			client.OnError(func(err error) {
				fmt.Printf("\r[error: %v]\n> ", err)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := client.Connect(ctx); err != nil {
				return err
			}

			keyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			info, err := client.RequestPeerKey(keyCtx, peerID)
			cancel()
			if err != nil {
				return fmt.Errorf("failed to fetch key for %s: %w", peerID, err)
			}
			fmt.Printf("Chatting with %s\n", peerID)
			fmt.Printf("Their fingerprint: %s (verify out of band)\n", info.Fingerprint)

			if conversationID == "" {
				conversationID = uuid.NewString()
			}

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			fmt.Print("> ")
			for {
				select {
				case <-ctx.Done():
					fmt.Println()
					return client.Disconnect()
				case line, ok := <-lines:
					if !ok {
						return client.Disconnect()
					}
					text := strings.TrimSpace(line)
					if text == "" {
						fmt.Print("> ")
						continue
					}
					msg, err := client.SendMessage(peerID, conversationID, text, info.PublicKey, info.Fingerprint)
					if err != nil {
						fmt.Printf("[send failed: %v]\n> ", err)
						continue
					}
					fmt.Printf("[%s] > ", msg.Status)
				}
			}
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id (default: new)")
	return cmd
}
