package dispatch

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/kanshi-ai/kanshi/internal/model"
)

var templateVarPattern = regexp.MustCompile(`\{\{\s*([a-z_]+\.[a-z_0-9]+)\s*\}\}`)

// renderTemplate substitutes {{agent.*}}, {{entity.*}}, and {{metric.*}}
// variables. Unknown variables are left intact so a typo is visible in the
// delivered message instead of silently vanishing.
func renderTemplate(tmpl string, vars map[string]string) string {
	return templateVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := templateVarPattern.FindStringSubmatch(match)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return match
	})
}

// templateVars builds the substitution set for one dispatch target.
func templateVars(agent model.Agent, entity *model.Entity, entityID string, obs model.Observations) map[string]string {
	vars := map[string]string{
		"agent.id":   agent.ID.String(),
		"agent.name": agent.Name,
		"entity.id":  entityID,
	}
	if entity != nil {
		vars["entity.name"] = entity.Name
		vars["entity.status"] = entity.Status
		vars["entity.external_id"] = entity.ExternalID
	}
	for k, v := range obs {
		vars["metric."+k] = formatMetric(v)
	}
	return vars
}

// formatMetric renders a metric value without trailing float noise:
// integers stay integers, ratios keep two decimals.
func formatMetric(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return fmt.Sprintf("%.2f", v)
}
