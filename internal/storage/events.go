package storage

import "time"

// InboxEvent records a file noticed by the inbox watcher.
type InboxEvent struct {
	FilePath  string
	EventType string
	EventTime time.Time
	FileSize  int64
	JobID     string
}

// RecordInboxEvent stores a watcher event.
func (s *Store) RecordInboxEvent(ev InboxEvent) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO inbox_events (file_path, event_type, event_time, file_size, job_id) VALUES (?, ?, ?, ?, ?);`,
		ev.FilePath, ev.EventType, ev.EventTime, ev.FileSize, ev.JobID)
	return err
}

// InboxEvents returns the most recent events for a file, newest first.
func (s *Store) InboxEvents(path string, limit int) ([]InboxEvent, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.DB.Query(`SELECT file_path, event_type, event_time, file_size, job_id FROM inbox_events WHERE file_path=? ORDER BY id DESC LIMIT ?;`, path, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InboxEvent
	for rows.Next() {
		var ev InboxEvent
		if err := rows.Scan(&ev.FilePath, &ev.EventType, &ev.EventTime, &ev.FileSize, &ev.JobID); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
