package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Eight-week study companion",
		Long:          "companion tracks topic progress, XP, streaks and a daily task plan, and keeps them in sync with a remote store.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newTopicCmd(),
		newNoteCmd(),
		newPlanCmd(),
		newTaskCmd(),
		newSyncCmd(),
		newResetCmd(),
		newTokenCmd(),
		newMigrateCmd(),
	)

	return root
}
