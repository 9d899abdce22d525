package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/recallhq/recall/internal/config"
	"github.com/recallhq/recall/internal/gateway"
	"github.com/recallhq/recall/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recall",
	Short: "recall - conversational assistant with tiered memory",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + memory + cron)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOnboard(os.Stdout)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recall status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(os.Stdout)
	},
}

var resetChatFlag string

var resetMemoryCmd = &cobra.Command{
	Use:   "reset-memory",
	Short: "Clear all local memory tiers for one chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runResetMemory(os.Stdout, resetChatFlag)
	},
}

func init() {
	resetMemoryCmd.Flags().StringVar(&resetChatFlag, "chat", "", "Chat id to reset (required)")
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, resetMemoryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'recall onboard' or set RECALL_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(out io.Writer) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fmt.Fprintf(out, "Data directory ready: %s\n", cfg.Storage.DataDir)
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set RECALL_API_KEY environment variable")
	fmt.Fprintln(out, "  3. Optionally set storage.remoteDsn to a postgres DSN for durable storage")
	fmt.Fprintln(out, "  4. Run 'recall gateway' to start")

	return nil
}

func runStatus(out io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "WebUI: enabled=%v\n", cfg.Channels.WebUI.Enabled)

	if cfg.Storage.RemoteDSN != "" {
		fmt.Fprintln(out, "Remote storage: configured")
	} else {
		fmt.Fprintln(out, "Remote storage: not configured (local-only)")
	}
	fmt.Fprintf(out, "Data dir: %s\n", cfg.Storage.DataDir)

	local, err := store.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		fmt.Fprintf(out, "Local store: error (%v)\n", err)
		return nil
	}
	chats, err := local.ListChats()
	if err != nil {
		fmt.Fprintf(out, "Local store: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Local accounts: %d\n", len(chats))

	return nil
}

func runResetMemory(out io.Writer, chat string) error {
	if chat == "" {
		return fmt.Errorf("--chat is required")
	}
	chatID, err := strconv.ParseInt(chat, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", chat)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	local, err := store.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	if err := local.ResetTiers(chatID); err != nil {
		return fmt.Errorf("reset tiers: %w", err)
	}

	fmt.Fprintf(out, "Cleared local tiers and summary for chat %d.\n", chatID)
	fmt.Fprintln(out, "Remote history, if configured, is left intact.")
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "set"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
