package services

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/relaydesk-inc/followup-engine/pkg/models"
)

// RenderMessage builds the outbound body for a rule action. When the action
// carries a message template it is executed against the role→value map of
// the matched row; otherwise the static content is used as-is.
//
// Templates reference semantic roles, not columns: {{.contact}}, {{.date}},
// {{.status}}. Missing roles render as empty strings rather than failing
// the delivery.
func RenderMessage(action models.RuleAction, roleValues map[string]string) (string, error) {
	if strings.TrimSpace(action.MessageTemplate) == "" {
		return action.Content, nil
	}

	tmpl, err := template.New("message").Option("missingkey=zero").Parse(action.MessageTemplate)
	if err != nil {
		return "", fmt.Errorf("parse message template: %w", err)
	}

	// missingkey=zero renders absent roles as the string zero value.
	data := make(map[string]string, len(roleValues))
	for role, v := range roleValues {
		data[role] = v
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render message template: %w", err)
	}
	return buf.String(), nil
}
