package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/ktrack/internal/config"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var ruleDisabled bool

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage privacy rules",
	Long: `Manage the stored privacy rules. A running daemon picks up changes made
here after a SIGHUP; changes made through the HTTP API apply immediately.`,
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List privacy rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(func(ctx context.Context, rules *privacy.Manager) error {
			items, err := rules.List(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("No privacy rules configured")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSCOPE\tMODE\tENABLED\tUPDATED\tPATTERN")
			for _, rule := range items {
				fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%s\t%q\n",
					rule.ID, rule.Scope, rule.MatchMode, rule.Enabled,
					time.Unix(rule.UpdatedTs, 0).Format(time.DateTime), rule.Pattern)
			}
			return w.Flush()
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add SCOPE MODE PATTERN",
	Short: "Add or update a privacy rule",
	Example: `  ktrack rules add app exact keepassxc
  ktrack rules add title regex "(?i)private browsing"`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(func(ctx context.Context, rules *privacy.Manager) error {
			rule, err := rules.Create(ctx, args[0], args[1], args[2], !ruleDisabled)
			if err != nil {
				return err
			}
			_, _ = color.New(color.FgGreen, color.Bold).Printf("Saved rule #%d\n", rule.ID)
			printReloadHint()
			return nil
		})
	},
}

var rulesEnableCmd = &cobra.Command{
	Use:   "enable ID",
	Short: "Enable a privacy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], true)
	},
}

var rulesDisableCmd = &cobra.Command{
	Use:   "disable ID",
	Short: "Disable a privacy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setRuleEnabled(args[0], false)
	},
}

var rulesRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Delete a privacy rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRuleID(args[0])
		if err != nil {
			return err
		}
		return withRules(func(ctx context.Context, rules *privacy.Manager) error {
			if err := rules.Delete(ctx, id); err != nil {
				return fmt.Errorf("failed to delete rule #%d: %w", id, err)
			}
			_, _ = color.New(color.FgYellow, color.Bold).Printf("Removed rule #%d\n", id)
			printReloadHint()
			return nil
		})
	},
}

func init() {
	rulesAddCmd.Flags().BoolVar(&ruleDisabled, "disabled", false, "Store the rule disabled")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesEnableCmd)
	rulesCmd.AddCommand(rulesDisableCmd)
	rulesCmd.AddCommand(rulesRemoveCmd)
	rootCmd.AddCommand(rulesCmd)
}

func setRuleEnabled(raw string, enabled bool) error {
	id, err := parseRuleID(raw)
	if err != nil {
		return err
	}
	return withRules(func(ctx context.Context, rules *privacy.Manager) error {
		rule, err := rules.SetEnabled(ctx, id, enabled)
		if err != nil {
			return fmt.Errorf("failed to update rule #%d: %w", id, err)
		}
		fmt.Printf("Rule #%d enabled=%v\n", rule.ID, rule.Enabled)
		printReloadHint()
		return nil
	})
}

func parseRuleID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid rule ID: %s", raw)
	}
	return id, nil
}

// withRules opens the configured store and hands a rule manager to fn.
func withRules(fn func(ctx context.Context, rules *privacy.Manager) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	filter := privacy.NewFilter(cfg.Privacy.CacheSize, logger)
	return fn(context.Background(), privacy.NewManager(store.PrivacyRules(), filter, logger))
}

func printReloadHint() {
	fmt.Println("Send SIGHUP to a running ktrack daemon to apply the change.")
}
