package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fingerauth/internal/enroll"
)

// TemplateInfo is the listing view of a stored template.
type TemplateInfo struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Inliers   int       `json:"inliers"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveTemplate stores t, replacing any template with the same ID.
func (s *Store) SaveTemplate(t *enroll.Template) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	blob, err := enroll.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT OR REPLACE INTO templates (id, subject, inliers, blob, created_at) VALUES (?, ?, ?, ?, ?);`,
		t.ID, t.Subject, t.Inliers, blob, t.CreatedAt.UnixNano())
	return err
}

// Template loads one template by ID.
func (s *Store) Template(id string) (*enroll.Template, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var blob []byte
	err := s.DB.QueryRow(`SELECT blob FROM templates WHERE id=?;`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return enroll.Unmarshal(blob)
}

// Templates loads every template ordered by creation time, then ID.
func (s *Store) Templates() ([]*enroll.Template, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, blob FROM templates ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*enroll.Template
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		t, err := enroll.Unmarshal(blob)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTemplates returns template metadata without decoding the samples.
func (s *Store) ListTemplates() ([]TemplateInfo, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, subject, inliers, created_at FROM templates ORDER BY created_at, id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TemplateInfo
	for rows.Next() {
		var info TemplateInfo
		var created int64
		if err := rows.Scan(&info.ID, &info.Subject, &info.Inliers, &created); err != nil {
			return nil, err
		}
		info.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template. Deleting an unknown ID is ErrNotFound.
func (s *Store) DeleteTemplate(id string) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	res, err := s.DB.Exec(`DELETE FROM templates WHERE id=?;`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}
