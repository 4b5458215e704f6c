package orchestrator

import (
	"fmt"
	"time"

	"github.com/kanshi-ai/kanshi/internal/model"
)

// scheduleTolerance is how far the cycle tick may land from the configured
// time-of-day and still count as a match. Must exceed the cycle interval or
// scheduled agents can fall through the cracks.
const scheduleTolerance = 5 * time.Minute

// reRunGuard prevents a scheduled agent from running twice inside one
// tolerance window when cycles are frequent.
const reRunGuard = 10 * time.Minute

// agentDue decides whether an agent should be evaluated this cycle.
// Realtime agents are always due. Scheduled agents match their local
// time-of-day within the tolerance, subject to day constraints and the
// re-run guard. A configuration error makes the agent never due.
func agentDue(agent model.Agent, now time.Time) (bool, error) {
	if agent.Schedule.Type == model.ScheduleRealtime {
		return true, nil
	}

	loc, err := agent.Schedule.Location()
	if err != nil {
		return false, fmt.Errorf("orchestrator: agent %s timezone: %w", agent.ID, err)
	}
	local := now.In(loc)

	switch agent.Schedule.Type {
	case model.ScheduleWeekly:
		if agent.Schedule.DayOfWeek == nil {
			return false, fmt.Errorf("orchestrator: agent %s weekly schedule missing day_of_week", agent.ID)
		}
		if int(local.Weekday()) != *agent.Schedule.DayOfWeek {
			return false, nil
		}
	case model.ScheduleMonthly:
		if agent.Schedule.DayOfMonth == nil {
			return false, fmt.Errorf("orchestrator: agent %s monthly schedule missing day_of_month", agent.ID)
		}
		// Clamp to the month's last day so a day-31 schedule still runs in
		// shorter months.
		day := *agent.Schedule.DayOfMonth
		if last := daysInMonth(local); day > last {
			day = last
		}
		if local.Day() != day {
			return false, nil
		}
	}

	hh, mm, err := model.ParseTimeOfDay(agent.Schedule.TimeOfDay)
	if err != nil {
		return false, fmt.Errorf("orchestrator: agent %s: %w", agent.ID, err)
	}
	target := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
	diff := local.Sub(target)
	if diff < 0 {
		diff = -diff
	}
	if diff > scheduleTolerance {
		return false, nil
	}

	if agent.LastEvaluatedAt != nil && now.Sub(*agent.LastEvaluatedAt) < reRunGuard {
		return false, nil
	}
	return true, nil
}

func daysInMonth(t time.Time) int {
	firstOfNext := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).AddDate(0, 1, 0)
	return firstOfNext.AddDate(0, 0, -1).Day()
}
