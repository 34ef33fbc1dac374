//go:build !linux

package health

import "time"

// CheckFirewalldJournal is a no-op on non-Linux platforms
func CheckFirewalldJournal(window time.Duration) HealthCheck {
	return HealthCheck{
		Name:    "firewalld_journal",
		Status:  StatusOK,
		Message: "Not applicable on this platform",
	}
}
