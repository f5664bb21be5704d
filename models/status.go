package models

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a report.
type Status string

const (
	StatusPendingVerification Status = "PENDING_VERIFICATION"
	StatusVerified            Status = "VERIFIED"
	StatusRejected            Status = "REJECTED"
	StatusDuplicate           Status = "DUPLICATE"
	StatusFlagged             Status = "FLAGGED"
	StatusInProgress          Status = "IN_PROGRESS"
	StatusResolved            Status = "RESOLVED"
)

var allStatuses = []Status{
	StatusPendingVerification,
	StatusVerified,
	StatusRejected,
	StatusDuplicate,
	StatusFlagged,
	StatusInProgress,
	StatusResolved,
}

// ParseStatus accepts the canonical names case-insensitively.
func ParseStatus(s string) (Status, error) {
	up := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range allStatuses {
		if st == up {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether automated processing must leave the report alone.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDuplicate, StatusRejected, StatusResolved, StatusFlagged:
		return true
	}
	return false
}

// IsPublic reports whether reports in this state appear in public listings.
func (s Status) IsPublic() bool {
	switch s {
	case StatusVerified, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
