package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eliteGoblin/focusd/cueaside/internal/domain"
	"github.com/eliteGoblin/focusd/cueaside/internal/routine"
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a routine",
	Long: `Adds a routine that shows a notification when one of its apps matches.

Examples:
  cueaside add --app com.example.mail --on launched --message "Inbox zero?"
  cueaside add --app Slack=com.tinyspeck.slackmacgap --on used --duration 30 --unit m \
      --mode session --title "Break" --message "Stand up and stretch"
  cueaside add --app firefox --on used --duration 2 --unit h --mode total --message "Enough browsing today"`,
	Args: cobra.NoArgs,
	RunE: runAdd,
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List routines in evaluation order",
	RunE:    runList,
}

var removeCmd = &cobra.Command{
	Use:     "remove <id|#seq|cue>",
	Aliases: []string{"rm"},
	Short:   "Remove a routine",
	Args:    cobra.ExactArgs(1),
	RunE:    runRemove,
}

var enableCmd = &cobra.Command{
	Use:   "enable <id|#seq|cue>",
	Short: "Enable a routine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(args[0], true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <id|#seq|cue>",
	Short: "Disable a routine without deleting it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetEnabled(args[0], false)
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every routine",
	RunE:  runClear,
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change defaults for new routines",
	Long: `Without flags, prints the current defaults. With --bubble or --high-priority,
updates them. Defaults only apply to routines created afterwards.`,
	RunE: runSettings,
}

var addFlags struct {
	apps         []string
	condition    string
	duration     int
	unit         string
	mode         string
	title        string
	message      string
	cue          string
	emoji        string
	timeout      int
	bubble       bool
	highPriority bool
}

var (
	clearYes         bool
	settingsBubble   bool
	settingsPriority bool
)

func init() {
	f := addCmd.Flags()
	f.StringArrayVar(&addFlags.apps, "app", nil, "Target app as <package> or <name>=<package> (repeatable)")
	f.StringVar(&addFlags.condition, "on", "launched", "Trigger: launched, exiting, or used")
	f.IntVar(&addFlags.duration, "duration", 0, "Usage threshold for --on used")
	f.StringVar(&addFlags.unit, "unit", "m", "Threshold unit: s, m, or h")
	f.StringVar(&addFlags.mode, "mode", "session", "Usage mode: session (continuous) or total (since midnight)")
	f.StringVar(&addFlags.title, "title", "", "Notification title (default \""+routine.DefaultTitle+"\")")
	f.StringVar(&addFlags.message, "message", "", "Notification message")
	f.StringVar(&addFlags.cue, "cue", "", "Short cue name shown in the title (default random)")
	f.StringVar(&addFlags.emoji, "emoji", "", "Emoji shown with the notification")
	f.IntVar(&addFlags.timeout, "timeout", 0, "Auto-dismiss after N seconds (0 = never)")
	f.BoolVar(&addFlags.bubble, "bubble", false, "Show as a bubble (default from settings)")
	f.BoolVar(&addFlags.highPriority, "high-priority", false, "Use high priority (default from settings)")
	_ = addCmd.MarkFlagRequired("app")
	_ = addCmd.MarkFlagRequired("message")

	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "Do not ask for confirmation")

	settingsCmd.Flags().BoolVar(&settingsBubble, "bubble", false, "Default bubble setting for new routines")
	settingsCmd.Flags().BoolVar(&settingsPriority, "high-priority", false, "Default priority for new routines")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(settingsCmd)
}

// parseApps turns "--app" values into AppInfo. "Name=pkg" sets a display name.
func parseApps(values []string) ([]domain.AppInfo, error) {
	apps := make([]domain.AppInfo, 0, len(values))
	for _, v := range values {
		name, pkg, found := strings.Cut(v, "=")
		if !found {
			name, pkg = "", v
		}
		name, pkg = strings.TrimSpace(name), strings.TrimSpace(pkg)
		if pkg == "" {
			return nil, fmt.Errorf("%w: empty package in --app %q", domain.ErrInvalidRoutine, v)
		}
		apps = append(apps, domain.AppInfo{Name: name, Package: pkg})
	}
	return apps, nil
}

// draftFromFlags builds a routine draft from the add command's flags.
func draftFromFlags(cmd *cobra.Command) (routine.Draft, error) {
	apps, err := parseApps(addFlags.apps)
	if err != nil {
		return routine.Draft{}, err
	}
	condition, err := routine.ParseCondition(addFlags.condition)
	if err != nil {
		return routine.Draft{}, err
	}

	d := routine.Draft{
		CueName:        addFlags.cue,
		Apps:           apps,
		Condition:      condition,
		Title:          addFlags.title,
		Message:        addFlags.message,
		TimeoutSeconds: addFlags.timeout,
	}

	if condition == domain.ConditionUsedFor {
		if d.Unit, err = routine.ParseUnit(addFlags.unit); err != nil {
			return routine.Draft{}, err
		}
		if d.TimeMode, err = routine.ParseTimeMode(addFlags.mode); err != nil {
			return routine.Draft{}, err
		}
		d.Duration = addFlags.duration
	}

	if addFlags.emoji != "" {
		d.Icon = &domain.IconInfo{Type: domain.IconPreset, Emoji: addFlags.emoji}
	} else if len(apps) > 0 {
		d.Icon = &domain.IconInfo{Type: domain.IconApp, Package: apps[0].Package}
	}
	if cmd.Flags().Changed("bubble") {
		d.Bubble = &addFlags.bubble
	}
	if cmd.Flags().Changed("high-priority") {
		d.HighPriority = &addFlags.highPriority
	}
	return d, nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	draft, err := draftFromFlags(cmd)
	if err != nil {
		return err
	}

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := svc.Create(context.Background(), draft)
	if err != nil {
		return err
	}
	fmt.Printf("Added routine #%d [%s]: %s\n", r.SeqID, r.CueName, routine.Describe(r))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	routines, err := svc.List(context.Background())
	if err != nil {
		return err
	}
	if len(routines) == 0 {
		fmt.Println("No routines. Add one with 'cueaside add'.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tCUE\tSTATE\tTRIGGER\tAPPS\tTITLE\tMESSAGE")
	for _, r := range routines {
		state := "on"
		if !r.Enabled {
			state = "off"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SeqID, r.CueName, state, routine.Describe(r), appList(r.Apps),
			routine.DisplayTitle(r), r.Message)
	}
	return w.Flush()
}

func appList(apps []domain.AppInfo) string {
	names := make([]string, 0, len(apps))
	for _, app := range apps {
		if app.Name != "" && app.Name != app.Package {
			names = append(names, fmt.Sprintf("%s (%s)", app.Name, app.Package))
		} else {
			names = append(names, app.Package)
		}
	}
	return strings.Join(names, ", ")
}

func runRemove(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := svc.Delete(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Removed routine #%d [%s]\n", r.SeqID, r.CueName)
	return nil
}

func runSetEnabled(ref string, enabled bool) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := svc.SetEnabled(context.Background(), ref, enabled)
	if err != nil {
		return err
	}
	state := "enabled"
	if !enabled {
		state = "disabled"
	}
	fmt.Printf("Routine #%d [%s] %s\n", r.SeqID, r.CueName, state)
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if !clearYes {
		fmt.Print("Remove every routine? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted")
			return nil
		}
	}

	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := svc.Clear(context.Background()); err != nil {
		return err
	}
	fmt.Println("All routines removed")
	return nil
}

func runSettings(cmd *cobra.Command, args []string) error {
	env, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger := cliLogger()
	defer func() { _ = logger.Sync() }()

	svc, store, err := env.openRoutines(logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	var settings domain.Settings
	if cmd.Flags().Changed("bubble") || cmd.Flags().Changed("high-priority") {
		settings, err = svc.UpdateSettings(ctx, func(s *domain.Settings) {
			if cmd.Flags().Changed("bubble") {
				s.DefaultBubble = settingsBubble
			}
			if cmd.Flags().Changed("high-priority") {
				s.HighPriority = settingsPriority
			}
		})
	} else {
		settings, err = svc.Settings(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Bubble:        %t\n", settings.DefaultBubble)
	fmt.Printf("High priority: %t\n", settings.HighPriority)
	fmt.Printf("Routines created: %d\n", settings.LastSeqID)
	return nil
}
