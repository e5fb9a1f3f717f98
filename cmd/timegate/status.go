package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/timegate/internal/config"
	"github.com/goodtune/timegate/internal/ledger"
	"github.com/goodtune/timegate/internal/storage"
	boltstore "github.com/goodtune/timegate/internal/storage/bolt"
)

var statusSessionCount int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current balance and recent sessions",
	Long:  `Show the persisted balance, mode, and recent spending sessions. The daemon must not be running, since the store is locked exclusively.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusSessionCount, "sessions", 10, "Number of recent sessions to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := boltstore.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage (is the daemon running?): %w", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	counters := store.Counters()

	accumulated, err := counters.GetFloat(ctx, storage.KeyAccumulatedSeconds)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	rate, err := counters.GetFloat(ctx, storage.KeyDivideRate)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		rate = cfg.Economy.DivideRate
	}
	streak, err := counters.GetFloat(ctx, storage.KeyStreakSeconds)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	modeStr, err := counters.GetString(ctx, storage.KeyMode)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	mode := ledger.ParseMode(modeStr)

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cyan.Println("Balance")
	available := time.Duration(accumulated / rate * float64(time.Second))
	switch {
	case available <= 0:
		red.Printf("  available: %s\n", available.Round(time.Second))
	case available < 10*time.Minute:
		yellow.Printf("  available: %s\n", available.Round(time.Second))
	default:
		green.Printf("  available: %s\n", available.Round(time.Second))
	}
	fmt.Printf("  rate:      %.2f idle seconds per spendable second\n", rate)
	fmt.Printf("  streak:    %s\n", (time.Duration(streak) * time.Second).Round(time.Second))

	fmt.Print("  mode:      ")
	switch mode {
	case ledger.ModeSpending:
		yellow.Println(mode.String())
	case ledger.ModeAccumulating:
		green.Println(mode.String())
	default:
		fmt.Println(mode.String())
	}

	records, err := store.Sessions().List(ctx, statusSessionCount)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	fmt.Println()
	cyan.Println("Recent sessions")
	if len(records) == 0 {
		fmt.Println("  none")
		return nil
	}
	for _, rec := range records {
		span := rec.EndedAt.Sub(rec.StartedAt).Round(time.Second)
		fmt.Printf("  %s  %-10s %-10s %s\n",
			rec.StartedAt.Format("2006-01-02 15:04"),
			span,
			rec.Reason,
			topApp(rec.PerAppMillis))
	}
	return nil
}

// topApp returns the app the most time went to, with its share.
func topApp(perApp map[string]int64) string {
	if len(perApp) == 0 {
		return "-"
	}
	apps := make([]string, 0, len(perApp))
	var total int64
	for app, ms := range perApp {
		apps = append(apps, app)
		total += ms
	}
	sort.Slice(apps, func(i, j int) bool { return perApp[apps[i]] > perApp[apps[j]] })
	best := apps[0]
	if total == 0 {
		return best
	}
	return fmt.Sprintf("%s (%d%%)", best, perApp[best]*100/total)
}
