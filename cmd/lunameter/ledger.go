package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/goodtune/lunameter/internal/config"
	"github.com/goodtune/lunameter/internal/ledger"
	"github.com/goodtune/lunameter/internal/storage"
)

var (
	ledgerLimit int
	ledgerNote  string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and correct user balances",
	Long: `Read balances and transaction history straight from storage, or apply an
operator adjustment. Bolt databases are locked by a running server; use the
admin API instead while lunameter is serving.`,
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerBalance,
}

var ledgerHistoryCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "Show a user's recent transactions",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerHistory,
}

var ledgerAdjustCmd = &cobra.Command{
	Use:   "adjust USER_ID DELTA",
	Short: "Apply an operator adjustment",
	Example: `  lunameter ledger adjust 3f2a... 30 --note "refund for outage"
  lunameter ledger adjust 3f2a... -- -5 --note "duplicate trial"`,
	Args: cobra.ExactArgs(2),
	RunE: runLedgerAdjust,
}

func init() {
	ledgerHistoryCmd.Flags().IntVar(&ledgerLimit, "limit", 20, "Number of transactions to show")
	ledgerAdjustCmd.Flags().StringVar(&ledgerNote, "note", "", "Reason for the adjustment (required)")
	ledgerAdjustCmd.MarkFlagRequired("note")

	ledgerCmd.AddCommand(ledgerBalanceCmd)
	ledgerCmd.AddCommand(ledgerHistoryCmd)
	ledgerCmd.AddCommand(ledgerAdjustCmd)
	rootCmd.AddCommand(ledgerCmd)
}

// openLedger opens storage and wraps it in a quiet ledger.
func openLedger() (*ledger.Ledger, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
	return ledger.New(store.Ledger(), logger, ledger.WithTrialMinutes(cfg.Metering.TrialMinutes)), store, nil
}

func runLedgerBalance(cmd *cobra.Command, args []string) error {
	l, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	balance, err := l.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	printBalance(balance)
	return nil
}

func runLedgerHistory(cmd *cobra.Command, args []string) error {
	l, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	txns, err := l.History(cmd.Context(), args[0], ledgerLimit)
	if err != nil {
		return err
	}

	if len(txns) == 0 {
		fmt.Printf("No transactions for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tDELTA\tSESSION\tNOTE")
	for _, txn := range txns {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%s\n",
			txn.CreatedAt.Local().Format(time.DateTime), txn.Kind, txn.Delta, txn.SessionID, txn.Note)
	}
	return w.Flush()
}

func runLedgerAdjust(cmd *cobra.Command, args []string) error {
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delta %q: %w", args[1], err)
	}

	l, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	txn, err := l.Adjust(cmd.Context(), args[0], delta, ledgerNote)
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "❌ Adjustment failed: %v\n", err)
		return err
	}

	color.New(color.FgGreen, color.Bold).Printf("✅ Applied %+d minutes (transaction %s)\n", txn.Delta, txn.ID)

	balance, err := l.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printBalance(balance)
	return nil
}

func printBalance(balance *storage.Balance) {
	cyan := color.New(color.FgCyan, color.Bold)

	cyan.Printf("User:      ")
	fmt.Println(balance.UserID)
	cyan.Printf("Remaining: ")
	fmt.Printf("%d minutes\n", balance.MinutesRemaining)
	cyan.Printf("Used:      ")
	fmt.Printf("%d minutes\n", balance.MinutesUsed)
	if !balance.UpdatedAt.IsZero() {
		cyan.Printf("Updated:   ")
		fmt.Println(balance.UpdatedAt.Local().Format(time.DateTime))
	}
}
