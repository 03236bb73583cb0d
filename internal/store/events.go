package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Event is one line of an append-only studio event log.
type Event struct {
	EventID   string         `json:"event_id"`
	JobID     string         `json:"job_id"`
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AppendEvent appends one event line to the log at path. The line is
// written with a single write call so a crash leaves at most one partial
// trailing line.
func (s *Store) AppendEvent(path string, jobID, eventType string, metadata map[string]any) (Event, error) {
	ev := Event{
		EventID:   uuid.NewString(),
		JobID:     jobID,
		EventType: eventType,
		Timestamp: s.clock.Now().UTC(),
		Metadata:  metadata,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, err
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Event{}, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Event{}, err
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ReadEvents returns the events in the log at path, oldest first. Lines
// that fail to parse (a torn tail after a crash) are silently dropped.
// limit > 0 keeps only the newest limit events; truncation is by line
// count only.
func (s *Store) ReadEvents(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}
