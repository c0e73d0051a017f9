package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/tomyedwab/relay/audit"
	"github.com/tomyedwab/relay/httpauth"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.AddCommand(auditListCmd())
	return cmd
}

func auditListCmd() *cobra.Command {
	var (
		eventType string
		actor     string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventType != "" && actor != "" {
				return fmt.Errorf("--type and --actor cannot be combined")
			}
			if eventType != "" && !audit.KnownEventType(eventType) {
				return fmt.Errorf("unknown audit event type %q", eventType)
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			env, err := openAllowEnv()
			if err != nil {
				return err
			}
			defer env.Close()

			var found []audit.AuditEvent
			switch {
			case eventType != "":
				found, err = env.audit.GetEventsByType(audit.EventType(eventType), limit)
			case actor != "":
				if pubkey, perr := httpauth.ParsePubkeyOrDID(actor); perr == nil {
					actor = pubkey
				}
				found, err = env.audit.GetEventsByActor(actor, limit)
			default:
				found, err = env.audit.GetRecentEvents(limit)
			}
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No audit events.")
				return nil
			}
			fmt.Println(renderAuditEvents(found))
			return nil
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type (allowlist_add, allowlist_remove, auth_failure)")
	cmd.Flags().StringVar(&actor, "actor", "", "only events performed by this pubkey, DID or \"cli\"")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func renderAuditEvents(found []audit.AuditEvent) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().Bold(true).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers("TIME", "TYPE", "ACTOR", "SUBJECT", "DETAIL")

	for _, e := range found {
		t.Row(
			time.Unix(e.Timestamp, 0).UTC().Format(time.DateTime),
			e.EventType,
			shortKey(e.Actor),
			e.Subject,
			e.Detail,
		)
	}
	return t.Render()
}
