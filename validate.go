package periodic

import (
	"fmt"
	"strings"
)

// Validate checks sch and reports every offending field at once.
func Validate(sch *Schedule) error {
	fields := map[string]string{}

	if !ValidateCron(sch.CronExpression) {
		fields["cron_expression"] = fmt.Sprintf("invalid cron expression: %q", sch.CronExpression)
	}
	if !ValidateTimezone(sch.Timezone) {
		fields["timezone"] = fmt.Sprintf("invalid timezone: %q", sch.Timezone)
	}
	if !strings.Contains(sch.TaskIdentifier, ".") {
		fields["task_identifier"] = "must be a dotted identifier such as \"billing.send_invoices\""
	}
	if strings.TrimSpace(sch.Name) == "" {
		fields["name"] = "must not be empty"
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}

	return nil
}
