package notify

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"

	"github.com/aegisops/swarm/pkg/eventstore"
	"github.com/aegisops/swarm/pkg/models"
)

const maxBlockTextLength = 2900

var statusEmoji = map[models.IncidentStatus]string{
	models.StatusResolved:  ":white_check_mark:",
	models.StatusEscalated: ":rotating_light:",
	models.StatusFailed:    ":x:",
}

var statusLabel = map[models.IncidentStatus]string{
	models.StatusResolved:  "Incident Resolved",
	models.StatusEscalated: "Escalated to Operator",
	models.StatusFailed:    "Incident Failed",
}

// Fingerprint returns the stable text embedded in the start notice so a
// restarted process can find the thread again.
func Fingerprint(incidentID string) string {
	return fmt.Sprintf("ref: %s", incidentID)
}

func incidentURL(incidentID, dashboardURL string) string {
	return fmt.Sprintf("%s/incidents/%s", dashboardURL, incidentID)
}

// BuildStartedMessage creates Block Kit blocks announcing a new incident.
func BuildStartedMessage(incident models.Incident, dashboardURL string) []goslack.Block {
	text := fmt.Sprintf(":fire: *New incident* `%s` (severity %d)\n%s\n<%s|View in Dashboard>\n_%s_",
		incident.Kind, incident.Severity, incident.Description,
		incidentURL(incident.ID, dashboardURL), Fingerprint(incident.ID))

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
	}
}

// BuildTerminalMessage creates Block Kit blocks announcing the terminal
// outcome of an incident.
func BuildTerminalMessage(state *eventstore.IncidentState, dashboardURL string) []goslack.Block {
	emoji := statusEmoji[state.Status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := statusLabel[state.Status]
	if label == "" {
		label = "Incident " + string(state.Status)
	}

	header := fmt.Sprintf("%s *%s*", emoji, label)
	var body []string

	switch state.Status {
	case models.StatusResolved:
		if state.Decision != nil && state.Decision.Action != nil {
			body = append(body, fmt.Sprintf("Executed `%s` at confidence %.2f.",
				state.Decision.Action.ID, state.Decision.Confidence))
		}
		body = append(body, fmt.Sprintf("Resolved in %s.", state.MTTR().Round(0)))
	case models.StatusEscalated:
		body = append(body, fmt.Sprintf("*Reason:* %s", state.Reason))
		if state.Decision != nil && len(state.Decision.Contenders) > 0 {
			var lines []string
			for _, c := range state.Decision.Contenders {
				lines = append(lines, fmt.Sprintf("• `%s` (%.2f)", c.ActionID, c.Confidence))
			}
			body = append(body, "*Contending actions:*\n"+strings.Join(lines, "\n"))
		}
	case models.StatusFailed:
		if state.Reason != "" {
			body = append(body, fmt.Sprintf("*Reason:* %s", state.Reason))
		}
	}

	blocks := []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, header, false, false),
			nil, nil,
		),
	}
	if len(body) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncateForChat(strings.Join(body, "\n")), false, false),
			nil, nil,
		))
	}

	btn := goslack.NewButtonBlockElement("", "",
		goslack.NewTextBlockObject(goslack.PlainTextType, "View Timeline", false, false))
	btn.URL = incidentURL(state.Incident.ID, dashboardURL)
	blocks = append(blocks, goslack.NewActionBlock("", btn))

	return blocks
}

func truncateForChat(text string) string {
	if len(text) <= maxBlockTextLength {
		return text
	}
	return text[:maxBlockTextLength] + "\n\n_... (truncated, full timeline in dashboard)_"
}
