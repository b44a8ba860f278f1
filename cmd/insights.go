package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/analytics"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/lessons"
)

var (
	lessonsProject   string
	analyticsProject string
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Show aggregated lessons from recent session outcomes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(lessonsProject)
		if err != nil {
			return err
		}
		st, err := storeSet.For(projectID)
		if err != nil {
			return err
		}
		recent, err := st.Outcomes.Recent(lessons.DefaultWindow)
		if err != nil {
			return err
		}
		summary := lessons.Aggregate(recent)
		if rendered := lessons.Render(summary); rendered != "" {
			fmt.Fprint(ui.Out, rendered)
			return nil
		}
		ui.Info("Nothing notable in the last %d outcomes.", summary.Window)
		return nil
	},
}

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Show reaction effectiveness statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(analyticsProject)
		if err != nil {
			return err
		}
		st, err := storeSet.For(projectID)
		if err != nil {
			return err
		}
		evs, err := st.Events.Query(events.Filter{})
		if err != nil {
			return err
		}
		stats := analytics.Aggregate(evs)
		if len(stats) == 0 {
			ui.Info("No reaction activity recorded yet.")
			return nil
		}

		table := ui.Table([]string{"Reaction", "Triggered", "Skipped", "Escalated", "Resolved", "Mean attempts"})
		for _, s := range stats {
			mean := ""
			if s.Resolved > 0 {
				mean = fmt.Sprintf("%.1f", s.MeanAttempt)
			}
			table.Append([]string{
				s.Key,
				fmt.Sprintf("%d", s.Triggered),
				fmt.Sprintf("%d", s.Skipped),
				fmt.Sprintf("%d", s.Escalated),
				fmt.Sprintf("%d", s.Resolved),
				mean,
			})
		}
		return table.Render()
	},
}

func init() {
	lessonsCmd.Flags().StringVarP(&lessonsProject, "project", "p", "", "Project key")
	analyticsCmd.Flags().StringVarP(&analyticsProject, "project", "p", "", "Project key")
	rootCmd.AddCommand(lessonsCmd, analyticsCmd)
}
