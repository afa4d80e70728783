package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eightweek/companion/internal/application/reconcile"
	"github.com/eightweek/companion/internal/domain/plan"
	"github.com/eightweek/companion/internal/domain/progress"
	"github.com/eightweek/companion/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATUS
// ══════════════════════════════════════════════════════════════════════════════

// statusView is the machine-readable form of `companion status`.
type statusView struct {
	User         string             `json:"user"`
	Level        progress.LevelInfo `json:"level"`
	Streak       int                `json:"streak"`
	LastActive   shared.Day         `json:"lastActive,omitempty"`
	Completed    int                `json:"completed"`
	Topics       int                `json:"topics"`
	Achievements []string           `json:"achievements"`
	Plan         plan.Progress      `json:"plan"`
	Sync         *reconcile.Status  `json:"sync,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show level, streak and progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.pullFirst(cmd.Context())

			snap := a.session.Store.Snapshot()
			view := statusView{
				User:         snap.User.Namespace(),
				Level:        progress.Level(snap.State.XP),
				Streak:       snap.State.Streak,
				LastActive:   snap.State.LastActive,
				Completed:    snap.State.CompletedCount(),
				Topics:       len(snap.State.Topics),
				Achievements: snap.State.Achievements,
				Plan:         a.session.Planner.Progress(),
			}
			if view.Achievements == nil {
				view.Achievements = []string{}
			}
			if a.sync != nil {
				st := a.sync.Status()
				view.Sync = &st
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			}
			return printStatus(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of text")
	return cmd
}

func printStatus(out io.Writer, v statusView) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "user:\t%s\n", v.User)
	fmt.Fprintf(tw, "level:\t%d (%d/%d XP, %d%%)\n", v.Level.Level, v.Level.XPIntoLevel, v.Level.XPForLevel, v.Level.Percent)
	fmt.Fprintf(tw, "xp:\t%d (next level at %d)\n", v.Level.TotalXP, v.Level.NextLevelAt)
	if v.LastActive.IsZero() {
		fmt.Fprintf(tw, "streak:\t%d\n", v.Streak)
	} else {
		fmt.Fprintf(tw, "streak:\t%d (last active %s)\n", v.Streak, v.LastActive)
	}
	fmt.Fprintf(tw, "topics:\t%d/%d complete\n", v.Completed, v.Topics)
	fmt.Fprintf(tw, "plan:\t%d/%d tasks done\n", v.Plan.Done, v.Plan.Total)
	if len(v.Achievements) == 0 {
		fmt.Fprintf(tw, "badges:\tnone yet\n")
	} else {
		fmt.Fprintf(tw, "badges:\t%s\n", strings.Join(v.Achievements, ", "))
	}
	if v.Sync != nil {
		last := "never"
		if !v.Sync.LastPullAt.IsZero() {
			last = v.Sync.LastPullAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "sync:\tdevice %s, last pull %s\n", v.Sync.DeviceID, last)
		if v.Sync.LastError != "" {
			fmt.Fprintf(tw, "sync error:\t%s\n", v.Sync.LastError)
		}
	}
	return tw.Flush()
}

// ══════════════════════════════════════════════════════════════════════════════
// TOPICS AND NOTES
// ══════════════════════════════════════════════════════════════════════════════

func newTopicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topic",
		Short: "Work with curriculum topics",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <id> <status>",
		Short: "Set a topic's status (not-started, in-progress, complete, skipped)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := progress.ParseStatus(args[1])
			if err != nil {
				return fmt.Errorf("%w: %q", err, args[1])
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			store := a.session.Store
			if !store.Curriculum().Has(args[0]) {
				return fmt.Errorf("%w: %q", shared.ErrTopicNotFound, args[0])
			}

			a.pullFirst(cmd.Context())
			before := store.Level()
			store.SetStatus(args[0], status)
			after := store.Level()
			a.pushAfter(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%+d XP, total %d)\n",
				args[0], status, after.TotalXP-before.TotalXP, after.TotalXP)
			if after.Level > before.Level {
				fmt.Fprintf(cmd.OutOrStdout(), "level up: %d -> %d\n", before.Level, after.Level)
			}
			return nil
		},
	})

	return cmd
}

func newNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text...>",
		Short: "Write today's note for a topic",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			note := strings.TrimSpace(strings.Join(args[1:], " "))
			if note == "" {
				return shared.ErrEmptyNote
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			store := a.session.Store
			if !store.Curriculum().Has(args[0]) {
				return fmt.Errorf("%w: %q", shared.ErrTopicNotFound, args[0])
			}

			a.pullFirst(cmd.Context())
			store.AddDailyNote(args[0], note)
			a.pushAfter(cmd.Context())

			fmt.Fprintf(cmd.OutOrStdout(), "note saved for %s on %s\n", args[0], shared.Today(a.clock))
			return nil
		},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// PLAN AND TASKS
// ══════════════════════════════════════════════════════════════════════════════

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Generate and list the daily task plan",
	}
	cmd.AddCommand(newPlanGenerateCmd(), newPlanListCmd())
	return cmd
}

func newPlanGenerateCmd() *cobra.Command {
	var start string

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the task calendar, replacing the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var day shared.Day
			if start != "" {
				var err error
				if day, err = shared.ParseDay(start); err != nil {
					return fmt.Errorf("--start: %w", err)
				}
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if day.IsZero() {
				day = shared.Today(a.clock)
			}

			a.pullFirst(cmd.Context())
			tasks := a.session.Planner.Generate(day)
			a.pushAfter(cmd.Context())

			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks generated")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "generated %d tasks from %s to %s\n",
				len(tasks), tasks[0].Date, tasks[len(tasks)-1].Date)
			return nil
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "first day of the plan (YYYY-MM-DD, default today)")
	return cmd
}

func newPlanListCmd() *cobra.Command {
	var today bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List planned tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.pullFirst(cmd.Context())

			planner := a.session.Planner
			tasks := planner.Tasks()
			if today {
				tasks = planner.Today()
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks; run `companion plan generate` first")
				return nil
			}
			return printTasks(cmd.OutOrStdout(), tasks)
		},
	}

	cmd.Flags().BoolVar(&today, "today", false, "only today's tasks")
	return cmd
}

func printTasks(out io.Writer, tasks []plan.DailyTask) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DONE\tDATE\tWEEK\tKIND\tID\tTITLE")
	for _, t := range tasks {
		mark := "[ ]"
		if t.Done {
			mark = "[x]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", mark, t.Date, t.Week, t.Kind, t.ID, t.Title)
	}
	return tw.Flush()
}

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Work with planned tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "toggle <id>",
		Short: "Flip a task between done and not done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.pullFirst(cmd.Context())
			planner := a.session.Planner
			if !planner.Toggle(args[0]) {
				return fmt.Errorf("%w: %q", shared.ErrTaskNotFound, args[0])
			}
			a.pushAfter(cmd.Context())

			task, _ := planner.Task(args[0])
			state := "not done"
			if task.Done {
				state = "done"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", task.ID, state)
			return nil
		},
	})

	return cmd
}

// ══════════════════════════════════════════════════════════════════════════════
// SYNC AND RESET
// ══════════════════════════════════════════════════════════════════════════════

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull remote progress, merge it and push local changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			switch {
			case !a.cfg.RemoteEnabled():
				return errors.New("no remote backend configured; set REMOTE_BACKEND")
			case a.sync == nil:
				return errors.New("sync is disabled; set SYNC_ENABLED=true")
			case a.session.User().IsAnonymous():
				return errors.New("not signed in; set SESSION_TOKEN")
			}

			applied, err := a.sync.SyncNow(cmd.Context())
			if err != nil {
				return fmt.Errorf("pull failed: %w", err)
			}
			if err := a.sync.PushNow(cmd.Context()); err != nil {
				return fmt.Errorf("push failed: %w", err)
			}

			if applied {
				fmt.Fprintf(cmd.OutOrStdout(), "synced %s (XP %d)\n", a.session.User(), a.session.Store.Level().TotalXP)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "pushed local state; remote result was discarded")
			}
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe local progress of the current user",
		Long:  "reset deletes topic progress, notes, XP, streak, badges and the task plan of the current user from local storage. The remote copy is left untouched and returns on the next sync.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset wipes all local progress; pass --yes to confirm")
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			user := a.session.User().Namespace()
			a.session.ResetUserData()
			fmt.Fprintf(cmd.OutOrStdout(), "local data of %s reset\n", user)
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
