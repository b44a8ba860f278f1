package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/output"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status across projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		return statusRun()
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "Limit to one project")
	rootCmd.AddCommand(statusCmd)
}

func statusRun() error {
	ctx := context.Background()

	projects := cfg.ProjectIDs()
	if statusProject != "" {
		if _, err := cfg.Project(statusProject); err != nil {
			return err
		}
		projects = []string{statusProject}
	}

	table := ui.Table([]string{"Project", "Session", "Status", "Branch", "PR", "Age"})
	total := 0
	for _, projectID := range projects {
		list, err := sessionMgr.List(ctx, projectID)
		if err != nil {
			ui.Warning("%s: %v", projectID, err)
			continue
		}
		for _, s := range list {
			age := ""
			if !s.CreatedAt.IsZero() {
				age = timeAgo(s.CreatedAt)
			}
			table.Append([]string{
				projectID,
				s.ID,
				output.StatusColor(string(s.Status)),
				s.Branch,
				s.PR,
				age,
			})
			total++
		}
	}
	if total == 0 {
		ui.Info("No sessions. Use 'fleet spawn' to start one.")
		return nil
	}
	return table.Render()
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
