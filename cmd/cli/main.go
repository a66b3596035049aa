package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dm-agent/internal/agent/poller"
	"github.com/dm-agent/internal/app"
	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/flow"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/internal/storage"
	"github.com/dm-agent/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
	svc     *app.App
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dm-agent",
		Short: "Operate the DM automation engine",
		Long: `Inspect accounts, campaigns and triggers, replay failed triggers and
run poll or resume passes by hand.`,
		PersistentPreRunE:  initializeApp,
		PersistentPostRunE: closeApp,
		SilenceUsage:       true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./configs/config.yaml)")

	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(campaignsCmd())
	rootCmd.AddCommand(triggersCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(flowsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func initializeApp(cmd *cobra.Command, args []string) error {
	var err error

	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log = logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	svc, err = app.New(cfg, log)
	return err
}

func closeApp(cmd *cobra.Command, args []string) error {
	if svc == nil {
		return nil
	}
	return svc.Close()
}

// drain processes queued work inline until nothing is due.
func drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := svc.Pool.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func parseID(arg string) (uint, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return uint(id), nil
}

// ============ ACCOUNT COMMANDS ============

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Connected account commands",
	}

	cmd.AddCommand(accountsAddCmd())
	cmd.AddCommand(accountsListCmd())
	return cmd
}

func accountsAddCmd() *cobra.Command {
	var platformID, username, token string
	var expiresIn time.Duration
	var noPoll bool

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Connect or update an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			acct := &models.Account{
				PlatformUserID: platformID,
				Username:       username,
				AccessToken:    token,
				TokenType:      "Bearer",
				PollEnabled:    !noPoll,
			}
			if expiresIn > 0 {
				acct.TokenExpiresAt = time.Now().Add(expiresIn).UTC()
			}
			if err := svc.Repo.SaveAccount(ctx, acct); err != nil {
				return err
			}

			profile, err := svc.Platform.GetProfile(ctx, acct)
			if err != nil {
				fmt.Printf("Saved account %d, but the token check failed: %v\n", acct.ID, err)
				return nil
			}
			fmt.Printf("Saved account %d (@%s)\n", acct.ID, profile.Username)
			return nil
		},
	}

	cmd.Flags().StringVar(&platformID, "platform-id", "", "Platform user id of the account")
	cmd.Flags().StringVar(&username, "username", "", "Account handle")
	cmd.Flags().StringVar(&token, "token", "", "Long-lived access token")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Token lifetime, e.g. 1440h")
	cmd.Flags().BoolVar(&noPoll, "no-poll", false, "Exclude the account from comment polling")
	_ = cmd.MarkFlagRequired("platform-id")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List connected accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			accounts, err := svc.Repo.ListAccounts(context.Background(), storage.AccountFilter{})
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Accounts (%d) ===\n\n", len(accounts))
			for _, a := range accounts {
				flags := ""
				if a.NeedsReconnect {
					flags += " [reconnect]"
				}
				if a.IsExpired() {
					flags += " [expired]"
				}
				if !a.PollEnabled {
					flags += " [no-poll]"
				}
				fmt.Printf("[%d] %s @%s%s\n", a.ID, a.PlatformUserID, a.Username, flags)
				if a.LastPolledAt != nil {
					fmt.Printf("    Last polled: %s ago\n", formatDuration(time.Since(*a.LastPolledAt)))
				}
			}
			return nil
		},
	}
}

// ============ CAMPAIGN COMMANDS ============

func campaignsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaigns",
		Short: "Campaign commands",
	}

	cmd.AddCommand(campaignsListCmd())
	return cmd
}

func campaignsListCmd() *cobra.Command {
	var accountID uint
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.CampaignFilter{Limit: limit}
			if accountID > 0 {
				filter.AccountID = &accountID
			}
			if status != "" {
				s := models.CampaignStatus(status)
				filter.Status = &s
			}

			campaigns, err := svc.Repo.ListCampaigns(context.Background(), filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Campaigns (%d) ===\n\n", len(campaigns))
			for _, c := range campaigns {
				fmt.Printf("[%d] %s | %s | %s\n", c.ID, c.Name, c.TriggerType, c.Status)
				fmt.Printf("    Account: %d | Flow: %d", c.AccountID, c.FlowID)
				if c.HourlyLimit > 0 || c.DailyLimit > 0 {
					fmt.Printf(" | Caps: %d/h %d/d", c.HourlyLimit, c.DailyLimit)
				}
				fmt.Println()
			}
			return nil
		},
	}

	cmd.Flags().UintVar(&accountID, "account", 0, "Filter by account id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (DRAFT, ACTIVE, PAUSED, COMPLETED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum campaigns to show")

	return cmd
}

// ============ TRIGGER COMMANDS ============

func triggersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Trigger commands",
	}

	cmd.AddCommand(triggersListCmd())
	cmd.AddCommand(triggersShowCmd())
	cmd.AddCommand(triggersReplayCmd())
	return cmd
}

func triggersListCmd() *cobra.Command {
	var campaignID uint
	var status, actor string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.DefaultTriggerFilter()
			filter.Limit = limit
			filter.ActorID = actor
			if campaignID > 0 {
				filter.CampaignID = &campaignID
			}
			if status != "" {
				s := models.TriggerStatus(status)
				filter.Status = &s
			}

			triggers, err := svc.Repo.ListTriggers(context.Background(), filter)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Triggers (%d) ===\n\n", len(triggers))
			for _, t := range triggers {
				fmt.Printf("[%d] %s | %s | campaign %d | %s\n", t.ID, t.Status, t.Type, t.CampaignID, actorLabel(t))
				if t.FailureReason != "" {
					fmt.Printf("    Reason: %s\n", truncateStr(t.FailureReason, 100))
				}
			}
			return nil
		},
	}

	cmd.Flags().UintVar(&campaignID, "campaign", 0, "Filter by campaign id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED, SKIPPED)")
	cmd.Flags().StringVar(&actor, "actor", "", "Filter by actor id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum triggers to show")

	return cmd
}

func triggersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a trigger with its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			t, err := svc.Repo.GetTriggerByID(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("trigger %d not found", id)
			}
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Trigger %d ===\n\n", t.ID)
			fmt.Printf("Campaign:  %d\n", t.CampaignID)
			fmt.Printf("Type:      %s\n", t.Type)
			fmt.Printf("Actor:     %s\n", actorLabel(t))
			fmt.Printf("Status:    %s\n", t.Status)
			fmt.Printf("Node:      %s\n", t.NodeID())
			fmt.Printf("Steps:     %d (sent %d, retries %d)\n", t.StepCount, t.MessagesSent, t.RetryCount)
			if t.Awaiting != "" {
				fmt.Printf("Awaiting:  %s", t.Awaiting)
				if t.NextRetryAt != nil {
					fmt.Printf(" until %s", t.NextRetryAt.Format(time.RFC3339))
				}
				fmt.Println()
			}
			if t.SourceText != "" {
				fmt.Printf("Source:    %s\n", truncateStr(t.SourceText, 100))
			}
			if t.FailureReason != "" {
				fmt.Printf("Reason:    %s\n", t.FailureReason)
			}
			for k, v := range t.FlowState {
				fmt.Printf("  %s = %s\n", k, v)
			}

			messages, err := svc.Repo.ListMessages(ctx, t.ID)
			if err != nil {
				return err
			}
			fmt.Printf("\nMessages (%d):\n", len(messages))
			for _, m := range messages {
				fmt.Printf("  #%d %s %s [%s] %s\n", m.Seq, m.NodeID, m.Type, m.Status, truncateStr(m.Content, 60))
				if m.LastError != "" {
					fmt.Printf("      Error: %s\n", m.LastError)
				}
			}
			return nil
		},
	}
}

func triggersReplayCmd() *cobra.Command {
	var run bool

	cmd := &cobra.Command{
		Use:   "replay [id]",
		Short: "Requeue a FAILED or SKIPPED trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			t, err := svc.Engine.Replay(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("Trigger %d requeued as %s (retry %d)\n", t.ID, t.Status, t.RetryCount)

			if run {
				n, err := drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Processed %d work items\n", n)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "Process the queue right away")
	return cmd
}

// ============ POLL COMMANDS ============

func pollCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Comment polling commands",
	}

	cmd.AddCommand(pollRunCmd())
	return cmd
}

func pollRunCmd() *cobra.Command {
	var account string
	var noProcess bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan accounts for new comments and sweep due triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			var result *poller.Result
			var err error
			if account != "" {
				result, err = svc.Poller.RunForAccount(ctx, account)
			} else {
				result, err = svc.Poller.Run(ctx)
			}
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Poll Results ===\n")
			fmt.Printf("Accounts:  %d\n", result.Accounts)
			fmt.Printf("Scanned:   %d\n", result.Scanned)
			fmt.Printf("Created:   %d\n", result.Created)
			fmt.Printf("Resumed:   %d\n", result.Processed)
			fmt.Printf("Duration:  %s\n", result.Duration)

			if len(result.Errors) > 0 {
				fmt.Printf("\nErrors:\n")
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}

			if !noProcess {
				n, err := drain(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("\nProcessed %d work items\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&account, "account", "", "Scan one account by platform id")
	cmd.Flags().BoolVar(&noProcess, "no-process", false, "Only enqueue; leave processing to the server")
	return cmd
}

// ============ RESUME COMMANDS ============

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume sweep commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Queue triggers whose wait elapsed and process the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			reclaimed, err := svc.Pool.Reclaim(ctx)
			if err != nil {
				return err
			}

			result, err := svc.Engine.ResumeDue(ctx, time.Now())
			if err != nil {
				return err
			}

			n, err := drain(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Resume Results ===\n")
			fmt.Printf("Reclaimed: %d\n", reclaimed)
			fmt.Printf("Due:       %d\n", result.Due)
			fmt.Printf("Pending:   %d\n", result.Pending)
			fmt.Printf("Enqueued:  %d\n", result.Enqueued)
			fmt.Printf("Processed: %d\n", n)
			return nil
		},
	})
	return cmd
}

// ============ FLOW COMMANDS ============

func flowsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flows",
		Short: "Flow commands",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [flow-id]",
		Short: "Check a stored flow for structural problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			f, err := svc.Repo.GetFlowByID(context.Background(), id)
			if err != nil {
				return err
			}

			g, err := flow.Parse(f)
			if err != nil {
				return fmt.Errorf("flow %d does not parse: %w", id, err)
			}
			fmt.Printf("Flow %d: %s\n", id, g.Summary())

			problems := flow.Lint(g)
			if len(problems) == 0 {
				fmt.Println("No problems found")
				return nil
			}
			fmt.Printf("\nProblems (%d):\n", len(problems))
			for _, p := range problems {
				fmt.Printf("  - %s\n", p)
			}
			return fmt.Errorf("flow %d has %d problems", id, len(problems))
		},
	})
	return cmd
}

// Helper functions

func actorLabel(t *models.Trigger) string {
	switch {
	case t.ActorUsername != "":
		return "@" + t.ActorUsername
	case t.ActorName != "":
		return t.ActorName
	default:
		return t.ActorID
	}
}

func truncateStr(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
