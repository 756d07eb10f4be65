package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/ktrack/internal/config"
	"github.com/goodtune/ktrack/internal/detector"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkApp   string
	checkTitle string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check privacy decisions and detection backends",
	Long:  `Check what ktrack would record for a window, or what the detectors see right now.`,
}

var checkPrivacyCmd = &cobra.Command{
	Use:   "privacy",
	Short: "Check privacy decision for an app and title",
	Long:  `Evaluate the stored privacy rules and the optional rego policy against an app and window title.`,
	Example: `  ktrack -c config.yaml check privacy --app firefox --title "Private Browsing"
  ktrack check privacy --app keepassxc`,
	RunE: runCheckPrivacy,
}

var checkDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Sample the focused window and idle time once",
	RunE:  runCheckDetect,
}

func init() {
	checkPrivacyCmd.Flags().StringVar(&checkApp, "app", "", "Application name (required)")
	checkPrivacyCmd.Flags().StringVar(&checkTitle, "title", "", "Window title")
	_ = checkPrivacyCmd.MarkFlagRequired("app")

	checkCmd.AddCommand(checkPrivacyCmd)
	checkCmd.AddCommand(checkDetectCmd)
	rootCmd.AddCommand(checkCmd)
}

func runCheckPrivacy(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	rules, _, err := openPrivacy(ctx, cfg.Privacy, store, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize privacy rules: %w", err)
	}

	match, excluded := rules.Filter().Match(ctx, checkApp, checkTitle)
	stats := rules.Filter().Stats()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("PRIVACY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("App:        %s\n", checkApp)
	if checkTitle != "" {
		fmt.Printf("Title:      %s\n", checkTitle)
	} else {
		fmt.Printf("Title:      (not provided)\n")
	}
	fmt.Printf("Rules:      %d enabled (%d app, %d title)\n", stats.EnabledRules, stats.AppRules, stats.TitleRules)
	fmt.Printf("Policy:     %v\n", stats.PolicyLoaded)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if !excluded {
		_, _ = green.Println("RECORD")
		fmt.Println("            → Window will be recorded as a session")
		fmt.Println()
		return nil
	}

	_, _ = red.Println("EXCLUDE")
	fmt.Println("            → Window will not be recorded")
	if match.Rule != nil {
		fmt.Printf("            → Rule #%d: %s %s %q\n", match.Rule.ID, match.Rule.Scope, match.Rule.MatchMode, match.Rule.Pattern)
	}
	if match.Reason != "" {
		fmt.Printf("            → Reason: %s\n", match.Reason)
	}
	fmt.Println()

	return nil
}

func runCheckDetect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	windows := detector.New(detector.Options{
		EnableKWinDBus: cfg.Detector.EnableKWinDBus,
		CommandTimeout: config.ParseDuration(cfg.Detector.CommandTimeout, detector.DefaultCommandTimeout),
	}, logger)
	idle := detector.NewIdle(cfg.Tracker.IdleEnabled, logger)

	ctx := context.Background()
	caps := windows.Capabilities(ctx)

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("Session:    " + caps.SessionType)
	fmt.Printf("Backend:    %s\n", caps.PreferredBackend)
	fmt.Printf("Tools:      %s\n", strings.Join(installedTools(caps), ", "))
	fmt.Println()

	if obs := windows.Detect(ctx); obs != nil {
		_, _ = green.Printf("Window:     %s\n", obs.App)
		fmt.Printf("Title:      %s\n", obs.Title)
		fmt.Printf("Source:     %s\n", obs.Source)
	} else {
		_, _ = yellow.Println("Window:     (not detected)")
	}

	sample := idle.Idle(ctx)
	if sample.Known {
		fmt.Printf("Idle:       %ds (%s)\n", sample.Seconds, sample.Backend)
	} else {
		_, _ = yellow.Println("Idle:       (unknown)")
	}
	fmt.Println()

	return nil
}

func installedTools(caps detector.Capabilities) []string {
	tools := []string{}
	for name, ok := range map[string]bool{
		"xdotool": caps.Xdotool,
		"xprop":   caps.Xprop,
		"hyprctl": caps.Hyprctl,
		"gdbus":   caps.Gdbus,
	} {
		if ok {
			tools = append(tools, name)
		}
	}
	if len(tools) == 0 {
		return []string{"none"}
	}
	sort.Strings(tools)
	return tools
}
