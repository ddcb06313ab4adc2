package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aide/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and environment health",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runDoctor())
		},
	}
}

func runDoctor() int {
	fmt.Println("aide doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults + env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return 1
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token != "")
	checkChannel("Webhook", cfg.Channels.Webhook.Enabled, cfg.Channels.Webhook.Secret != "")
	checkChannel("WhatsApp", cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.NotifyURL != "")

	fmt.Println()
	fmt.Println("  Bridges:")
	checkBridge("Email", cfg.Bridges.EmailURL)
	checkBridge("Social", cfg.Bridges.SocialURL)

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("git")
	checkBinary("govulncheck")

	fmt.Println()
	fmt.Printf("  Data dir: %s", cfg.DataDir)
	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
	return 0
}

func checkProvider(name, apiKey string) {
	if len(apiKey) >= 8 {
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		fmt.Printf("    %-10s %s\n", name+":", masked)
	} else if apiKey != "" {
		fmt.Printf("    %-10s (set)\n", name+":")
	} else {
		fmt.Printf("    %-10s (not configured)\n", name+":")
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-10s %s\n", name+":", status)
}

func checkBridge(name, url string) {
	if url != "" {
		fmt.Printf("    %-10s %s\n", name+":", url)
	} else {
		fmt.Printf("    %-10s (not configured)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-12s %s\n", name+":", path)
	}
}
