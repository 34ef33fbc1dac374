//go:build linux

package health

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/sdjournal"
)

// CheckFirewalldJournal scans the journal for firewalld errors logged within
// window. Rule insertions that firewalld rejects only show up there.
func CheckFirewalldJournal(window time.Duration) HealthCheck {
	type result struct {
		messages []string
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		messages, err := readFirewalldErrors(time.Now().Add(-window))
		resultChan <- result{messages, err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return HealthCheck{
				Name:    "firewalld_journal",
				Status:  StatusWarning,
				Message: fmt.Sprintf("Could not read journal: %v", res.err),
			}
		}
		return summarizeJournal(res.messages, window)
	case <-time.After(JournalOpenTimeout):
		return HealthCheck{
			Name:    "firewalld_journal",
			Status:  StatusWarning,
			Message: fmt.Sprintf("Timeout reading systemd journal (waited %v)", JournalOpenTimeout),
		}
	}
}

func readFirewalldErrors(since time.Time) ([]string, error) {
	journal, err := sdjournal.NewJournal()
	if err != nil {
		return nil, fmt.Errorf("failed to open systemd journal: %w", err)
	}
	defer journal.Close()

	if err := journal.AddMatch(sdjournal.SD_JOURNAL_FIELD_SYSTEMD_UNIT + "=firewalld.service"); err != nil {
		return nil, fmt.Errorf("failed to add unit filter: %w", err)
	}
	// Matches on the same field are ORed: emerg through err
	for prio := 0; prio <= 3; prio++ {
		if err := journal.AddMatch(fmt.Sprintf("%s=%d", sdjournal.SD_JOURNAL_FIELD_PRIORITY, prio)); err != nil {
			return nil, fmt.Errorf("failed to add priority filter: %w", err)
		}
	}

	if err := journal.SeekRealtimeUsec(uint64(since.UnixMicro())); err != nil {
		return nil, fmt.Errorf("failed to seek journal: %w", err)
	}

	var messages []string
	for {
		n, err := journal.Next()
		if err != nil {
			return nil, fmt.Errorf("failed to read next journal entry: %w", err)
		}
		if n == 0 {
			break
		}
		entry, err := journal.GetEntry()
		if err != nil {
			continue
		}
		if msg := entry.Fields[sdjournal.SD_JOURNAL_FIELD_MESSAGE]; msg != "" {
			messages = append(messages, msg)
		}
	}
	return messages, nil
}
