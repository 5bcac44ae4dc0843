package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "eldercare",
	Short: "Care-task reminder engine",
	Long: `eldercare expands care-task schedules into reminders, delivers them to
the elder's device, tracks acknowledgments and escalates to a caregiver
when a reminder is dismissed, snoozed too often or left unanswered.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./config.json", "path to config (json or yaml)")
}
