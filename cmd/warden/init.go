package main

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/warden/internal/config"
)

var (
	initOutput  string
	initAPIKey  string
	initDataDir string
	initToken   string
	initMetrics bool
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Warden configuration",
	Long: `Interactive wizard to create a Warden configuration file.

The bot token is written to a separate env file next to the
configuration, and only a bcrypt hash of the API key is stored.

Examples:
  # Interactive mode - prompts for missing values
  warden init

  # Non-interactive
  warden init --token "$TOKEN" --data-dir ./data -o warden.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (auto-generated if not provided)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/warden", "Data directory for the template library")
	initCmd.Flags().StringVar(&initToken, "token", "", "Discord bot token")
	initCmd.Flags().BoolVar(&initMetrics, "metrics", false, "Enable Prometheus metrics")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config file")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("Warden Configuration Wizard")
	fmt.Println("===========================")
	fmt.Println()

	if initToken == "" {
		initToken = prompt(reader, "Discord bot token", "")
		if initToken == "" {
			return fmt.Errorf("token is required")
		}
	}

	initDataDir = prompt(reader, "Data directory", initDataDir)

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
		fmt.Printf("  Generated API key: %s\n", initAPIKey)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(initAPIKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	if !initForce {
		if _, err := os.Stat(initOutput); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", initOutput)
		}
	}

	fmt.Println()
	fmt.Println("Creating configuration...")

	if err := os.MkdirAll(initDataDir, 0750); err != nil {
		fmt.Printf("  Warning: Could not create data directory: %v\n", err)
	}

	envFile := envFileFor(initOutput)
	if err := os.WriteFile(envFile, []byte(config.TokenEnv+"="+initToken+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}
	fmt.Printf("  Token saved to: %s\n", envFile)

	cfg := generateConfig(filepath.Base(envFile), string(hash))
	if err := os.WriteFile(initOutput, []byte(cfg), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("  Configuration saved to: %s\n", initOutput)
	fmt.Println()

	printNextSteps()
	return nil
}

func prompt(reader *bufio.Reader, question, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", question, defaultValue)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultValue
	}
	return input
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// envFileFor returns warden.env beside the config file.
func envFileFor(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "warden.env")
}

func generateConfig(envFile, apiKeyHash string) string {
	metricsSection := `metrics:
  enabled: false`
	if initMetrics {
		metricsSection = `metrics:
  enabled: true
  listen_addr: "127.0.0.1:9090"
  path: "/metrics"
  allowed_ips:
    - "127.0.0.1"`
	}

	return fmt.Sprintf(`# Warden configuration
# Generated by warden init

discord:
  # The token is read from WARDEN_DISCORD_TOKEN, loaded from this file.
  env_file: "%s"

storage:
  path: "%s/warden.db"

api:
  enabled: true
  listen_addr: ":8080"
  api_key_hash: "%s"
  wait_timeout: 5m

%s

import:
  step_timeout: 30s
  serialize_per_guild: true
  cleanup_interval: 10m
  operation_max_age: 1h

logging:
  level: "info"
  format: "json"
`, envFile, initDataDir, apiKeyHash, metricsSection)
}

func printNextSteps() {
	fmt.Println("Next Steps")
	fmt.Println("==========")
	fmt.Println()
	fmt.Println("1. Validate the configuration:")
	fmt.Printf("   warden config validate -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("2. Start the server:")
	fmt.Printf("   warden serve -c %s\n", initOutput)
	fmt.Println()
	fmt.Println("3. Export a server:")
	fmt.Println("   curl -X POST http://localhost:8080/api/v1/guilds/<guild-id>/export \\")
	fmt.Printf("     -H \"Authorization: Bearer %s\" \\\n", initAPIKey)
	fmt.Println("     -H \"Content-Type: application/json\" \\")
	fmt.Println(`     -d '{"name": "my-layout", "save": true}'`)
	fmt.Println()
	fmt.Println("Credentials")
	fmt.Println("-----------")
	fmt.Printf("API Key: %s\n", initAPIKey)
	fmt.Println()
}
