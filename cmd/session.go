package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/sessions"
)

var (
	spawnProject string
	spawnIssue   string
	spawnBranch  string

	sendProject    string
	killProject    string
	restoreProject string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn [request...]",
	Short: "Spawn a coding session",
	Long: `Spawn a supervised coding session, either bound to a tracker issue
(--issue) or driven by an ad-hoc request.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(spawnProject)
		if err != nil {
			return err
		}
		request := strings.Join(args, " ")
		if spawnIssue == "" && request == "" {
			return fmt.Errorf("provide --issue or a request")
		}

		session, err := sessionMgr.Spawn(context.Background(), sessions.SpawnOptions{
			ProjectID: projectID,
			IssueID:   spawnIssue,
			Branch:    spawnBranch,
			Request:   request,
		})
		if err != nil {
			return err
		}
		ui.Success("spawned %s on %s", session.ID, session.Branch)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <message...>",
	Short: "Send a message to a session's agent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(sendProject)
		if err != nil {
			return err
		}
		if err := sessionMgr.Send(context.Background(), projectID, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		ui.Success("sent to %s", args[0])
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Kill a session and archive its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(killProject)
		if err != nil {
			return err
		}
		if err := sessionMgr.Kill(context.Background(), projectID, args[0]); err != nil {
			return err
		}
		ui.Success("killed %s", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <session-id>",
	Short: "Re-create a session's runtime on its existing workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(restoreProject)
		if err != nil {
			return err
		}
		session, err := sessionMgr.Restore(context.Background(), projectID, args[0])
		if err != nil {
			return err
		}
		ui.Success("restored %s (%s)", session.ID, session.Status)
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVarP(&spawnProject, "project", "p", "", "Project key")
	spawnCmd.Flags().StringVar(&spawnIssue, "issue", "", "Tracker issue to bind")
	spawnCmd.Flags().StringVar(&spawnBranch, "branch", "", "Explicit branch name")
	sendCmd.Flags().StringVarP(&sendProject, "project", "p", "", "Project key")
	killCmd.Flags().StringVarP(&killProject, "project", "p", "", "Project key")
	restoreCmd.Flags().StringVarP(&restoreProject, "project", "p", "", "Project key")

	rootCmd.AddCommand(spawnCmd, sendCmd, killCmd, restoreCmd)
}
