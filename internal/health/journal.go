package health

import (
	"fmt"
	"time"
)

// JournalOpenTimeout is the maximum time to wait for the systemd journal to open
const JournalOpenTimeout = 5 * time.Second

// maxJournalMessages caps how many error lines are kept in the check details
const maxJournalMessages = 5

// summarizeJournal turns firewalld error-priority messages into a check result
func summarizeJournal(messages []string, window time.Duration) HealthCheck {
	if len(messages) == 0 {
		return HealthCheck{
			Name:    "firewalld_journal",
			Status:  StatusOK,
			Message: fmt.Sprintf("No firewalld errors in the last %s", window),
		}
	}

	recent := messages
	if len(recent) > maxJournalMessages {
		recent = recent[len(recent)-maxJournalMessages:]
	}
	return HealthCheck{
		Name:    "firewalld_journal",
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d firewalld errors in the last %s (latest: %s)", len(messages), window, messages[len(messages)-1]),
		Details: map[string]interface{}{
			"count":  len(messages),
			"recent": recent,
		},
	}
}
