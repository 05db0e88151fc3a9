package matcher

import (
	"fmt"
	"regexp"
	"slices"
	"time"

	"mailfollowup/internal/model"
)

// Kind tags one condition of a compiled rule.
type Kind int

const (
	KindStatus Kind = iota + 1
	KindPriority
	KindDaysOverdue
	KindRecipient
	KindTimeOfDay
	KindWeekday
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindPriority:
		return "priority"
	case KindDaysOverdue:
		return "days_overdue"
	case KindRecipient:
		return "recipient"
	case KindTimeOfDay:
		return "time_of_day"
	case KindWeekday:
		return "weekday"
	}
	return "unknown"
}

// Condition is one predicate. Only the fields for its Kind are set.
type Condition struct {
	Kind       Kind
	Statuses   []model.FollowupStatus
	Priorities []model.Priority
	MinDays    int
	Patterns   []*regexp.Regexp
	Hour       int
	Weekdays   []time.Weekday
}

// Program is the conjunction of a rule's set conditions. An empty Program
// matches every followup.
type Program []Condition

// Compile turns trigger conditions into a Program. Unset fields produce no
// condition.
func Compile(tc model.TriggerConditions) (Program, error) {
	var p Program

	if len(tc.StatusTypes) > 0 {
		for _, s := range tc.StatusTypes {
			if !s.Valid() {
				return nil, fmt.Errorf("unknown status %q", s)
			}
		}
		p = append(p, Condition{Kind: KindStatus, Statuses: slices.Clone(tc.StatusTypes)})
	}

	if len(tc.PriorityLevels) > 0 {
		for _, pr := range tc.PriorityLevels {
			if !pr.Valid() {
				return nil, fmt.Errorf("unknown priority %q", pr)
			}
		}
		p = append(p, Condition{Kind: KindPriority, Priorities: slices.Clone(tc.PriorityLevels)})
	}

	if tc.DaysOverdue != nil {
		p = append(p, Condition{Kind: KindDaysOverdue, MinDays: *tc.DaysOverdue})
	}

	if len(tc.RecipientPatterns) > 0 {
		patterns := make([]*regexp.Regexp, 0, len(tc.RecipientPatterns))
		for _, raw := range tc.RecipientPatterns {
			re, err := regexp.Compile("(?i)" + raw)
			if err != nil {
				return nil, fmt.Errorf("recipient pattern %q: %w", raw, err)
			}
			patterns = append(patterns, re)
		}
		p = append(p, Condition{Kind: KindRecipient, Patterns: patterns})
	}

	if tc.TimeOfDay != "" {
		t, err := time.Parse("15:04", tc.TimeOfDay)
		if err != nil {
			return nil, fmt.Errorf("time_of_day %q: want HH:MM", tc.TimeOfDay)
		}
		p = append(p, Condition{Kind: KindTimeOfDay, Hour: t.Hour()})
	}

	if len(tc.DaysOfWeek) > 0 {
		days := make([]time.Weekday, 0, len(tc.DaysOfWeek))
		for _, d := range tc.DaysOfWeek {
			if d < 0 || d > 6 {
				return nil, fmt.Errorf("day of week %d out of range 0-6", d)
			}
			days = append(days, time.Weekday(d))
		}
		p = append(p, Condition{Kind: KindWeekday, Weekdays: days})
	}

	return p, nil
}

// Match reports whether f satisfies every condition at now. now should
// already be in the location the rule's wall-clock fields refer to.
func (p Program) Match(f *model.Followup, now time.Time) bool {
	for i := range p {
		if !p[i].eval(f, now) {
			return false
		}
	}
	return true
}

func (c *Condition) eval(f *model.Followup, now time.Time) bool {
	switch c.Kind {
	case KindStatus:
		return slices.Contains(c.Statuses, f.Status)
	case KindPriority:
		return slices.Contains(c.Priorities, f.Priority)
	case KindDaysOverdue:
		return f.DaysOverdue(now) >= c.MinDays
	case KindRecipient:
		for _, addr := range f.Recipients {
			for _, re := range c.Patterns {
				if re.MatchString(addr) {
					return true
				}
			}
		}
		return false
	case KindTimeOfDay:
		diff := now.Hour() - c.Hour
		return diff >= -1 && diff <= 1
	case KindWeekday:
		return slices.Contains(c.Weekdays, now.Weekday())
	}
	return false
}
