// Command emailagent classifies inbound mail and files, flags, or
// surfaces it according to the configured policy.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/email-agent/internal/classify"
	"github.com/nhle/email-agent/internal/credential"
	"github.com/nhle/email-agent/internal/model"
	"github.com/nhle/email-agent/internal/notify"
	"github.com/nhle/email-agent/internal/pipeline"
	"github.com/nhle/email-agent/internal/source"
	"github.com/nhle/email-agent/internal/source/gmail"
	"github.com/nhle/email-agent/internal/source/imapmail"
	"github.com/nhle/email-agent/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "emailagent",
	Short: "Email classification agent",
	Long: `emailagent watches a mailbox, classifies each message as important,
promotional, social, or junk, and applies the decided action: label,
notify, or flag for deletion. Every action is recorded and undoable;
deletions always wait for an explicit confirm.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// deps bundles everything a processing command needs.
type deps struct {
	cfg          *model.AppConfig
	store        store.Store
	orchestrator *pipeline.Orchestrator
}

func (d *deps) close() {
	if d.store != nil {
		_ = d.store.Close()
	}
}

// buildDeps loads configuration and wires the store, classifier, mail
// source, and orchestrator.
func buildDeps(ctx context.Context) (*deps, error) {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	src, dispatcher, err := buildSource(ctx, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	var strategy classify.Strategy
	if cfg.AI.Enabled {
		apiKey := anthropicAPIKey()
		if apiKey == "" {
			logger.Warn("no Anthropic API key configured, using rule classification only")
		} else {
			strategy = classify.NewModelClient(apiKey, cfg.AI.Model, cfg.AI.MaxTokens)
		}
	}
	classifier := classify.New(
		strategy,
		cfg.Policy,
		time.Duration(cfg.AI.TimeoutSec)*time.Second,
		logger,
	)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.Enabled {
		notifier = notify.NewDesktop(logger, cfg.Notify.Sound)
	}
	confirmations := notify.NewConfirmationPrompt(notifier, logger)

	orch := pipeline.New(
		st, classifier, src, dispatcher,
		notifier, confirmations,
		cfg.Policy, cfg.Pipeline, cfg.AI.Concurrency,
		logger,
	)

	return &deps{cfg: cfg, store: st, orchestrator: orch}, nil
}

// buildSource constructs the configured mail backend.
func buildSource(
	ctx context.Context, cfg *model.AppConfig,
) (source.MailSource, source.ActionDispatcher, error) {
	switch cfg.Mailbox.Provider {
	case "gmail":
		tokens := credential.NewTokenStore(credential.KeyGmailToken)
		client, err := gmail.NewClient(ctx, cfg.Mailbox.CredentialsFile, tokens)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil

	case "imap":
		password := os.Getenv("EMAILAGENT_IMAP_PASSWORD")
		if password == "" {
			stored, err := credential.Get(credential.KeyIMAPPassword)
			if err != nil {
				return nil, nil, fmt.Errorf(
					"no IMAP password: set EMAILAGENT_IMAP_PASSWORD or run setup",
				)
			}
			password = stored
		}
		client := imapmail.NewClient(
			cfg.Mailbox.IMAPHost,
			cfg.Mailbox.IMAPPort,
			cfg.Mailbox.Username,
			password,
			cfg.Mailbox.UseTLS,
		)
		src := imapmail.NewSource(client)
		return src, src, nil

	default:
		return nil, nil, fmt.Errorf("unknown mailbox provider %q", cfg.Mailbox.Provider)
	}
}

func anthropicAPIKey() string {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key
	}
	key, err := credential.Get(credential.KeyAnthropicAPIKey)
	if err != nil {
		return ""
	}
	return key
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Poll the mailbox and classify new messages as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(
			context.Background(), os.Interrupt, syscall.SIGTERM,
		)
		defer stop()

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		err = d.orchestrator.Listen(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

var batchTimeframe string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Classify every message received within a timeframe",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		start, end, err := pipeline.Window(batchTimeframe, time.Now())
		if err != nil {
			return err
		}

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		summary, err := d.orchestrator.BatchWindow(ctx, start, end)
		if err != nil {
			return err
		}
		printSummary(summary)
		fmt.Printf("Batch id (for undo): %s\n", summary.BatchID)
		return nil
	},
}

var junkCmd = &cobra.Command{
	Use:   "junk",
	Short: "Re-examine flagged messages and queue deletions for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		summary, err := d.orchestrator.JunkSweep(ctx)
		if err != nil {
			return err
		}
		printSummary(summary)
		if summary.Held > 0 {
			fmt.Printf("%d deletion(s) awaiting review; run 'emailagent pending'\n",
				summary.Held)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List deletions awaiting confirmation",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		recs, err := d.orchestrator.PendingConfirmations(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No deletions awaiting confirmation.")
			return nil
		}

		for _, rec := range recs {
			fmt.Printf("%s  %-40s  %s (confidence %.2f)\n",
				rec.ID, truncate(rec.Subject, 40), rec.Sender, rec.Confidence)
		}
		fmt.Printf("\nConfirm with: emailagent confirm <record-id> [--deny]\n")
		return nil
	},
}

var confirmDeny bool

var confirmCmd = &cobra.Command{
	Use:   "confirm <record-id>",
	Short: "Approve or deny a held deletion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		if err := d.orchestrator.Confirm(ctx, args[0], !confirmDeny); err != nil {
			return err
		}
		if confirmDeny {
			fmt.Println("Deletion denied; message restored to normal handling.")
		} else {
			fmt.Println("Deletion confirmed.")
		}
		return nil
	},
}

var undoBatchID string

var undoCmd = &cobra.Command{
	Use:   "undo [record-id]",
	Short: "Revert an applied action, or a whole batch with --batch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if (len(args) == 0) == (undoBatchID == "") {
			return fmt.Errorf("pass exactly one of <record-id> or --batch")
		}

		d, err := buildDeps(ctx)
		if err != nil {
			return err
		}
		defer d.close()

		if undoBatchID != "" {
			n, err := d.orchestrator.UndoBatch(ctx, undoBatchID)
			if err != nil {
				return err
			}
			fmt.Printf("Reverted %d action(s) from batch %s\n", n, undoBatchID)
			return nil
		}

		if err := d.orchestrator.Undo(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Action reverted.")
		return nil
	},
}

var statsSince string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show processing statistics and classification accuracy",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		duration, err := pipeline.ParseTimeframe(statsSince)
		if err != nil {
			return err
		}

		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		stats, err := st.Statistics(ctx, time.Now().UTC().Add(-duration))
		if err != nil {
			return err
		}

		fmt.Printf("Since %s: %d message(s) processed\n",
			stats.Since.Format(time.RFC3339), stats.Total)
		for _, cat := range model.Categories {
			if n := stats.ByCategory[cat]; n > 0 {
				fmt.Printf("  %-12s %d\n", cat, n)
			}
		}
		fmt.Println("By status:")
		for status, n := range stats.ByStatus {
			fmt.Printf("  %-12s %d\n", status, n)
		}

		acc, err := st.Accuracy(ctx)
		if err != nil {
			return err
		}
		if acc.Total > 0 {
			fmt.Printf("Feedback accuracy: %d/%d (%.0f%%)\n",
				acc.Correct, acc.Total, acc.Rate*100)
		}
		return nil
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <record-id> <actual-category>",
	Short: "Correct a classification so accuracy can be tracked",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		actual := model.Category(args[1])
		if !actual.IsValid() {
			return fmt.Errorf("unknown category %q", args[1])
		}

		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}

		err = st.SaveFeedback(ctx, model.Feedback{
			MessageID:  rec.MessageID,
			Predicted:  rec.Category,
			Actual:     actual,
			Confidence: rec.Confidence,
		})
		if err != nil {
			return err
		}
		fmt.Println("Feedback recorded.")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete records older than the retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}
		st, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		retention := time.Duration(cfg.Pipeline.RetentionDays) * 24 * time.Hour
		n, err := st.Cleanup(ctx, retention)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d old record(s)\n", n)
		return nil
	},
}

var setupAPIKey string

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Authorize mailbox access and store credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := model.LoadConfig(configPath)
		if err != nil {
			return err
		}

		if setupAPIKey != "" {
			if err := credential.Set(credential.KeyAnthropicAPIKey, setupAPIKey); err != nil {
				return err
			}
			fmt.Println("API key stored.")
		}

		switch cfg.Mailbox.Provider {
		case "gmail":
			tokens := credential.NewTokenStore(credential.KeyGmailToken)
			err := gmail.Authorize(ctx, cfg.Mailbox.CredentialsFile, tokens,
				func(url string) {
					fmt.Printf("Open this URL in a browser and authorize:\n\n%s\n\n", url)
					fmt.Print("Paste the authorization code: ")
				},
				func() (string, error) {
					reader := bufio.NewReader(os.Stdin)
					line, err := reader.ReadString('\n')
					return strings.TrimSpace(line), err
				},
			)
			if err != nil {
				return err
			}
			fmt.Println("Gmail authorized.")

		case "imap":
			fmt.Print("IMAP password: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			if err := credential.Set(credential.KeyIMAPPassword, strings.TrimSpace(line)); err != nil {
				return err
			}
			fmt.Println("IMAP password stored.")
		}

		if err := model.SaveConfig(configPath, cfg); err != nil {
			return err
		}
		fmt.Printf("Configuration written to %s\n", configPath)
		return nil
	},
}

func printSummary(s *pipeline.RunSummary) {
	fmt.Printf("Processed %d message(s): %d applied, %d skipped, %d held, %d already seen, %d failed\n",
		s.Processed, s.Applied, s.Skipped, s.Held, s.Seen, s.Failed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		model.DefaultConfigPath(), "path to config file")

	batchCmd.Flags().StringVar(&batchTimeframe, "timeframe", "24h",
		"window ending now, e.g. 24h, 7d, 2w, 1m")
	confirmCmd.Flags().BoolVar(&confirmDeny, "deny", false,
		"deny the deletion instead of approving it")
	undoCmd.Flags().StringVar(&undoBatchID, "batch", "",
		"revert every applied action of this batch")
	statsCmd.Flags().StringVar(&statsSince, "since", "7d",
		"statistics window, e.g. 24h, 7d, 1m")
	setupCmd.Flags().StringVar(&setupAPIKey, "api-key", "",
		"Anthropic API key to store in the system keyring")

	rootCmd.AddCommand(
		listenCmd, batchCmd, junkCmd,
		pendingCmd, confirmCmd, undoCmd,
		statsCmd, feedbackCmd, cleanupCmd, setupCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
