package miner

import (
	"sync"
	"time"
)

const commandHistorySize = 100

// Event kinds recorded by the controller
const (
	EventPendingTransaction = "pending_transaction"
	EventNewHead            = "new_head"
	EventReevaluate         = "reevaluate"
)

// Commands issued to the node
const (
	CommandStart = "start"
	CommandStop  = "stop"
)

// CommandEntry records one start/stop command sent to the node
type CommandEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	Reason    string    `json:"reason"`
	Error     string    `json:"error,omitempty"`
}

// Stats tracks what the controller has observed and done. None of it feeds back
// into decisions.
type Stats struct {
	mu              sync.RWMutex
	Events          map[string]int64
	StartsIssued    int64
	StopsIssued     int64
	CommandFailures int64
	QueryFailures   int64
	LastPending     uint64
	Mining          bool
	HeadNumber      uint64
	HeadHash        string
	LastStart       time.Time
	LastStop        time.Time
	History         []CommandEntry
}

// NewStats creates an empty statistics tracker
func NewStats() *Stats {
	return &Stats{
		Events:  make(map[string]int64),
		History: make([]CommandEntry, 0, commandHistorySize),
	}
}

// RecordEvent counts an inbound event
func (s *Stats) RecordEvent(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events[kind]++
}

// RecordHead remembers the latest chain head
func (s *Stats) RecordHead(head *Head) {
	if head == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.HeadNumber = head.Number
	s.HeadHash = head.Hash
}

// RecordPool remembers the latest observed pending count
func (s *Stats) RecordPool(status PoolStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastPending = status.Pending
}

// RecordMining remembers the latest observed mining flag
func (s *Stats) RecordMining(mining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Mining = mining
}

// RecordQueryFailure counts a failed status or mining query
func (s *Stats) RecordQueryFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryFailures++
}

// RecordCommand records a start or stop command and its outcome
func (s *Stats) RecordCommand(command, reason string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry := CommandEntry{
		Timestamp: now,
		Command:   command,
		Reason:    reason,
	}
	if err != nil {
		entry.Error = err.Error()
		s.CommandFailures++
	} else {
		switch command {
		case CommandStart:
			s.StartsIssued++
			s.LastStart = now
			s.Mining = true
		case CommandStop:
			s.StopsIssued++
			s.LastStop = now
			s.Mining = false
		}
	}

	s.History = append(s.History, entry)
	if len(s.History) > commandHistorySize {
		s.History = s.History[1:]
	}
}

// GetStats returns current statistics
func (s *Stats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := make(map[string]int64, len(s.Events))
	for kind, n := range s.Events {
		events[kind] = n
	}

	stats := map[string]interface{}{
		"events":           events,
		"starts_issued":    s.StartsIssued,
		"stops_issued":     s.StopsIssued,
		"command_failures": s.CommandFailures,
		"query_failures":   s.QueryFailures,
		"last_pending":     s.LastPending,
		"mining":           s.Mining,
		"head_number":      s.HeadNumber,
		"head_hash":        s.HeadHash,
		"last_start":       s.LastStart,
		"last_stop":        s.LastStop,
	}

	// Last 10 commands, newest first
	recent := make([]CommandEntry, 0, 10)
	for i := len(s.History) - 1; i >= 0 && len(recent) < 10; i-- {
		recent = append(recent, s.History[i])
	}
	stats["recent_commands"] = recent

	return stats
}
