package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"botguard/internal/features"
)

// DecisionRecord is one served decision, kept for audits and drift
// baselines.
type DecisionRecord struct {
	SessionID        string          `json:"session_id"`
	Features         features.Vector `json:"features"`
	HumanProbability float64         `json:"human_probability"`
	Threshold        float64         `json:"threshold"`
	Outcome          string          `json:"decision"`
	ModelVersion     string          `json:"model_version"`
	At               time.Time       `json:"at"`
}

func decisionKey(at time.Time, sessionID string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", at.UnixNano(), sessionID))
}

// SaveDecision appends a decision to the log.
func (s *Store) SaveDecision(rec DecisionRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}
		return tx.Bucket([]byte(decisionsBucket)).Put(decisionKey(rec.At, rec.SessionID), data)
	})
}

// Decisions returns every decision at or after since, oldest first.
func (s *Store) Decisions(since time.Time) ([]DecisionRecord, error) {
	var out []DecisionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(decisionsBucket)).Cursor()

		k, v := c.First()
		if !since.IsZero() {
			k, v = c.Seek([]byte(fmt.Sprintf("%020d", since.UnixNano())))
		}
		for ; k != nil; k, v = c.Next() {
			var rec DecisionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			out = append(out, rec)
		}
		return nil
	})

	return out, err
}
