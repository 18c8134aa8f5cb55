package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"deepfield/internal/fits"
)

// Target records serialized reduction results against a job. Images are
// catalogued by name and size; records are stored as JSON.
type Target struct {
	store *Store
	jobID string
}

// Target returns a result sink bound to jobID.
func (s *Store) Target(jobID string) *Target {
	return &Target{store: s, jobID: jobID}
}

// PutImage catalogues an image product.
func (t *Target) PutImage(name string, hdus []*fits.HDU) error {
	if t.store == nil {
		return nil
	}
	if len(hdus) == 0 {
		return errors.New("empty product")
	}
	shape := hdus[0].Shape
	_, err := t.store.DB.Exec(`INSERT INTO products (job_id, name, hdus, rows, cols) VALUES (?, ?, ?, ?, ?);`,
		t.jobID, name, len(hdus), shape.Rows, shape.Cols)
	return err
}

// PutRecord stores a JSON record. Records carrying an "id" field are kept in
// the reductions table under that id.
func (t *Target) PutRecord(name string, v any) error {
	if t.store == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(data, &head)
	id := head.ID
	if id == "" {
		id = t.jobID + "/" + name
	}
	_, err = t.store.DB.Exec(`INSERT OR REPLACE INTO reductions (id, job_id, summary_json) VALUES (?, ?, ?);`,
		id, t.jobID, string(data))
	return err
}

// Reduction returns the stored record with id, decoded into v.
func (s *Store) Reduction(id string, v any) error {
	if s == nil {
		return errors.New("store not initialized")
	}
	var data string
	if err := s.DB.QueryRow(`SELECT summary_json FROM reductions WHERE id=?;`, id).Scan(&data); err != nil {
		return err
	}
	return json.Unmarshal([]byte(data), v)
}

// Products lists the catalogued product names of a job.
func (s *Store) Products(jobID string) ([]string, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT name FROM products WHERE job_id=? ORDER BY rowid;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
