package cmd

import (
	"github.com/spf13/cobra"

	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/output"
)

var (
	eventsProject  string
	eventsSession  string
	eventsPriority string
	eventsLimit    int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the event log, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDeps(); err != nil {
			return err
		}
		projectID, err := resolveProject(eventsProject)
		if err != nil {
			return err
		}
		st, err := storeSet.For(projectID)
		if err != nil {
			return err
		}

		filter := events.Filter{SessionID: eventsSession, Limit: eventsLimit}
		if eventsPriority != "" {
			filter.Priorities = []models.Priority{models.Priority(eventsPriority)}
		}
		evs, err := st.Events.Query(filter)
		if err != nil {
			return err
		}
		if len(evs) == 0 {
			ui.Info("No events.")
			return nil
		}

		table := ui.Table([]string{"Time", "Priority", "Type", "Session", "Message"})
		for _, ev := range evs {
			table.Append([]string{
				ev.Timestamp.Local().Format("Jan 02 15:04:05"),
				output.PriorityColor(string(ev.Priority)),
				ev.Type,
				ev.SessionID,
				ev.Message,
			})
		}
		return table.Render()
	},
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsProject, "project", "p", "", "Project key")
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "Filter by session id")
	eventsCmd.Flags().StringVar(&eventsPriority, "priority", "", "Filter by priority (urgent|action|warning|info)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 30, "Max events to show")
	rootCmd.AddCommand(eventsCmd)
}
