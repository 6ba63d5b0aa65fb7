package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/lunameter/internal/config"
	"github.com/goodtune/lunameter/internal/policy"
)

var (
	checkEmail  string
	checkRole   string
	checkAction string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions and dependencies",
	Long:  `Check what lunameter would decide for an operator request, or whether its storage is reachable.`,
}

var checkAccessCmd = &cobra.Command{
	Use:   "access [flags] USER_ID",
	Short: "Check operator policy decision",
	Long:  `Check whether a caller would be allowed to use an operator endpoint.`,
	Example: `  lunameter -c config.yaml check access --email ops@example.com 3f2a...
  lunameter check access --role service_role --action terminate_session svc-billing`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckAccess,
}

var checkStorageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Check storage connectivity",
	Long:  `Open the configured storage backend and read from it.`,
	Args:  cobra.NoArgs,
	RunE:  runCheckStorage,
}

func init() {
	checkAccessCmd.Flags().StringVar(&checkEmail, "email", "", "Caller email address")
	checkAccessCmd.Flags().StringVar(&checkRole, "role", "authenticated", "Caller role claim")
	checkAccessCmd.Flags().StringVar(&checkAction, "action", "adjust_balance", "Operator action (adjust_balance, read_ledger, list_sessions, terminate_session)")

	checkCmd.AddCommand(checkAccessCmd)
	checkCmd.AddCommand(checkStorageCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckAccess(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	authorizer, err := policy.NewAuthorizer(cfg.Admin.PolicyDir, cfg.Admin.AdminEmails, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize operator policy: %w", err)
	}

	input := policy.Input{
		UserID: args[0],
		Email:  checkEmail,
		Role:   checkRole,
		Action: checkAction,
	}
	decision := authorizer.Authorize(cmd.Context(), input)

	printAccessResult(input, decision, cfg.Admin.Enabled)
	return nil
}

func runCheckStorage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("STORAGE CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Backend:    %s\n", cfg.Storage.Type)
	if cfg.Storage.Type == "redis" {
		fmt.Printf("Address:    %s:%d\n", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port)
	} else {
		fmt.Printf("Path:       %s\n", cfg.Storage.Path)
	}
	fmt.Println()

	start := time.Now()
	store, err := openStorage(cfg.Storage)
	if err != nil {
		cyan.Print("Status:     ")
		red.Println("UNAVAILABLE")
		fmt.Printf("Error:      %v\n", err)
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	open, err := store.Sessions().ListOpen(ctx)
	cyan.Print("Status:     ")
	if err != nil {
		red.Println("UNAVAILABLE")
		fmt.Printf("Error:      %v\n", err)
		return err
	}
	green.Println("OK")
	fmt.Printf("Latency:    %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Open sessions: %d\n", len(open))

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	return nil
}

// printAccessResult prints the policy check result with colors
func printAccessResult(input policy.Input, decision policy.Decision, enabled bool) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("OPERATOR POLICY CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:       %s\n", input.UserID)
	if input.Email != "" {
		fmt.Printf("Email:      %s\n", input.Email)
	} else {
		fmt.Printf("Email:      (not provided)\n")
	}
	fmt.Printf("Role:       %s\n", input.Role)
	fmt.Printf("Action:     %s\n", input.Action)
	fmt.Println()

	cyan.Print("Decision:   ")
	if decision.Allow {
		green.Println("ALLOW")
	} else {
		red.Println("DENY")
	}
	if decision.Reason != "" {
		fmt.Printf("Reason:     %s\n", decision.Reason)
	}
	if !enabled {
		yellow.Println("Note:       admin endpoints are disabled in this configuration")
	}

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
