package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/output"
)

var (
	planProject string
	planTitle   string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Manage parallel-task plans",
}

var planCreateCmd = &cobra.Command{
	Use:   "create <request...>",
	Short: "Spawn a planning agent to break a feature into tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(planProject)
		if err != nil {
			return err
		}
		title := planTitle
		request := strings.Join(args, " ")
		if title == "" {
			title = request
			if len(title) > 60 {
				title = title[:60]
			}
		}
		plan, err := planSvc.Create(context.Background(), projectID, title, request)
		if err != nil {
			return err
		}
		ui.Success("plan %s created; planning session %s", plan.ID, plan.PlanningSessionID)
		return nil
	},
}

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(planProject)
		if err != nil {
			return err
		}
		plans, err := planSvc.List(projectID)
		if err != nil {
			return err
		}
		if len(plans) == 0 {
			ui.Info("No plans in %s.", projectID)
			return nil
		}
		table := ui.Table([]string{"Plan", "Status", "Title", "Tasks"})
		for _, p := range plans {
			table.Append([]string{p.ID, output.StatusColor(string(p.Status)), p.Title, fmt.Sprintf("%d", len(p.Tasks))})
		}
		return table.Render()
	},
}

var planShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan's tasks and their sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(planProject)
		if err != nil {
			return err
		}
		plan, err := planSvc.Get(projectID, args[0])
		if err != nil {
			return err
		}
		ui.Info("%s [%s] %s", plan.ID, plan.Status, plan.Title)
		table := ui.Table([]string{"Task", "Title", "Deps", "Issue", "Session", "Error"})
		for _, t := range plan.Tasks {
			issue := ""
			if t.IssueNumber > 0 {
				issue = fmt.Sprintf("#%d", t.IssueNumber)
			}
			table.Append([]string{t.ID, t.Title, strings.Join(t.DependsOn, ","), issue, t.SessionID, t.Error})
		}
		return table.Render()
	},
}

var planApproveCmd = &cobra.Command{
	Use:   "approve <plan-id>",
	Short: "Approve a ready plan and start executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(planProject)
		if err != nil {
			return err
		}
		plan, err := planSvc.Approve(context.Background(), projectID, args[0])
		if err != nil {
			return err
		}
		spawned := 0
		for _, t := range plan.Tasks {
			if t.SessionID != "" {
				spawned++
			}
		}
		ui.Success("plan %s executing: %d/%d tasks spawned", plan.ID, spawned, len(plan.Tasks))
		return nil
	},
}

func init() {
	planCmd.PersistentFlags().StringVarP(&planProject, "project", "p", "", "Project key")
	planCreateCmd.Flags().StringVar(&planTitle, "title", "", "Plan title")
	planCmd.AddCommand(planCreateCmd, planListCmd, planShowCmd, planApproveCmd)
	rootCmd.AddCommand(planCmd)
}
