package flow

import (
	"regexp"
	"strings"

	"github.com/dm-agent/internal/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}}, {{first_name}}, {{username}} and flow state
// variables. Unknown placeholders render empty.
func Render(template string, t *models.Trigger) string {
	if !strings.Contains(template, "{{") {
		return template
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		switch key {
		case "name":
			return displayName(t)
		case "first_name":
			if fields := strings.Fields(displayName(t)); len(fields) > 0 {
				return fields[0]
			}
			return ""
		case "username":
			return t.ActorUsername
		}
		return t.FlowState[key]
	})
}

func displayName(t *models.Trigger) string {
	if name := strings.TrimSpace(t.ActorName); name != "" {
		return name
	}
	return t.ActorUsername
}
