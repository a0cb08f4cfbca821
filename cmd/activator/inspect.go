package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/activator/internal/wizard"
	"github.com/pitabwire/activator/model"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle = lipgloss.NewStyle().Width(14).Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func newInspectCommand(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <tenant-id> <subject-id>",
		Short: "Show a caller's stored activation session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sessions, closeSessions, err := buildStore(ctx, c.cfg.Store, zap.NewNop())
			if err != nil {
				return err
			}
			defer closeSessions.close()

			rctx := &model.RequestContext{TenantID: args[0], SubjectID: args[1]}
			wz := wizard.New(sessions, nil, nil, nil, c.cfg.Wizard)
			s, err := wz.Inspect(ctx, rctx.Namespace())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			fmt.Fprintln(out, renderSession(rctx.Namespace(), s))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw session as JSON")
	return cmd
}

func renderSession(namespace string, s model.Session) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(namespace))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	row("step", fmt.Sprintf("%d/%d %s", s.Step, model.LastStep, s.Step))
	row("business", orDash(s.Fields.BusinessName))
	row("industry", orDash(s.Fields.Industry))
	row("plan tier", orDash(s.Fields.PlanTier))
	row("schedule", orDash(s.Fields.Schedule.Summary()))

	consent := warnStyle.Render("not accepted")
	if s.Consent.Accepted {
		consent = okStyle.Render("accepted " + formatTime(s.Consent.AcceptedAt))
	}
	row("consent", consent)

	checkout := string(s.Checkout.Status)
	switch s.Checkout.Status {
	case model.CheckoutVerified:
		checkout = okStyle.Render(checkout + " " + formatTime(s.Checkout.VerifiedAt))
	case model.CheckoutPending:
		checkout = warnStyle.Render(checkout + " " + s.Checkout.SessionID)
	}
	row("checkout", checkout)

	deployment := string(s.Deployment.Status)
	switch s.Deployment.Status {
	case model.DeploymentSucceeded:
		deployment = okStyle.Render(deployment + " " + s.Deployment.ResourceID)
	case model.DeploymentFailed:
		deployment = errStyle.Render(deployment + ": " + s.Deployment.Error)
	case model.DeploymentInFlight:
		deployment = warnStyle.Render(deployment + " " + s.Deployment.AttemptID)
	}
	row("deployment", deployment)

	if len(s.History) > 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("history"))
		b.WriteString("\n")
		history := append([]model.HistoryEntry(nil), s.History...)
		sort.SliceStable(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })
		for _, h := range history {
			line := h.At.UTC().Format(time.RFC3339) + "  " + h.Event
			if h.From != 0 || h.To != 0 {
				line += fmt.Sprintf(" %s→%s", h.From, h.To)
			}
			if h.Detail != "" {
				line += " (" + h.Detail + ")"
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
