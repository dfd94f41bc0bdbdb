package condition

import (
	"strings"
	"time"

	"github.com/mohitkumar/dripflow/model"
)

const day = 24 * time.Hour

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return d, true
	case *time.Time:
		if d == nil {
			return time.Time{}, false
		}
		return *d, true
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(d)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func resolveDate(contact *model.Contact, attribute string) (time.Time, bool) {
	switch {
	case attribute == "createdAt":
		return contact.CreatedAt, !contact.CreatedAt.IsZero()
	case attribute == "updatedAt":
		return contact.UpdatedAt, !contact.UpdatedAt.IsZero()
	case attribute == "lastEmailSent":
		return parseDate(contact.LastEmailSent)
	case strings.HasPrefix(attribute, "events."):
		t, ok := contact.Events[strings.TrimPrefix(attribute, "events.")]
		return t, ok
	}
	v, ok := contact.Attribute(attribute)
	if !ok {
		return time.Time{}, false
	}
	return parseDate(v)
}

// wholeDays counts complete days between from and to.
func wholeDays(from, to time.Time) int {
	return int(to.Sub(from) / day)
}

func evalDate(contact *model.Contact, cond *model.Condition, now time.Time) bool {
	at, ok := resolveDate(contact, cond.Attribute)
	if !ok {
		return false
	}
	switch cond.Operator {
	case "before", "after":
		ref, ok := parseDate(cond.Value)
		if !ok {
			return false
		}
		if cond.Operator == "before" {
			return at.Before(ref)
		}
		return at.After(ref)
	case "within_days", "older_than_days":
		n, ok := toFloat(cond.Value)
		if !ok {
			return false
		}
		age := wholeDays(at, now)
		if cond.Operator == "within_days" {
			return age >= 0 && age <= int(n)
		}
		return age > int(n)
	}
	return false
}
