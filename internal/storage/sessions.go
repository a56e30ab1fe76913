package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"botguard/internal/session"
)

// StoredSession is one captured session. Raw never contains is_bot; the
// label lives in Label, always in canonical float form.
type StoredSession struct {
	ID         string          `json:"id"`
	ReceivedAt time.Time       `json:"received_at"`
	Label      *session.Label  `json:"is_bot,omitempty"`
	Raw        json.RawMessage `json:"raw"`
}

// Counts summarises the sessions bucket.
type Counts struct {
	Total     int `json:"total"`
	Human     int `json:"human"`
	Bot       int `json:"bot"`
	Unlabeled int `json:"unlabeled"`
}

// SaveSession stores s and returns its id. An empty ID is replaced with a
// new time-ordered UUID; an empty ReceivedAt with the current time.
func (s *Store) SaveSession(ctx context.Context, rec StoredSession) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(rec.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}
	return rec.ID, nil
}

// GetSession returns the session with the given id or ErrNotFound.
func (s *Store) GetSession(id string) (StoredSession, error) {
	var rec StoredSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &rec)
	})
	return rec, err
}

// ForEachSession calls fn for every session in key order. A record that no
// longer decodes is passed with only ID and Raw set so callers can report
// it. Returning an error from fn stops the scan.
func (s *Store) ForEachSession(fn func(StoredSession) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(sessionsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec StoredSession
			if err := json.Unmarshal(v, &rec); err != nil {
				rec = StoredSession{ID: string(k), Raw: append(json.RawMessage(nil), v...)}
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Counts tallies sessions by label.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	err := s.ForEachSession(func(rec StoredSession) error {
		c.Total++
		switch {
		case rec.Label == nil:
			c.Unlabeled++
		case rec.Label.IsBot():
			c.Bot++
		default:
			c.Human++
		}
		return nil
	})
	return c, err
}

// LabelUnlabeled stamps every session without a label with label and
// returns how many were changed. Labelled sessions are never touched.
func (s *Store) LabelUnlabeled(label session.Label) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))

		type update struct {
			key, value []byte
		}
		var updates []update

		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec StoredSession
			if err := json.Unmarshal(v, &rec); err != nil || rec.Label != nil {
				continue
			}
			l := label
			rec.Label = &l
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal session %s: %w", rec.ID, err)
			}
			updates = append(updates, update{key: append([]byte(nil), k...), value: data})
		}

		// bbolt forbids mutating a bucket while a cursor walks it
		for _, u := range updates {
			if err := b.Put(u.key, u.value); err != nil {
				return err
			}
		}
		changed = len(updates)
		return nil
	})
	return changed, err
}

// SetLabel overwrites the label of one session.
func (s *Store) SetLabel(id string, label session.Label) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		var rec StoredSession
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode session %s: %w", id, err)
		}
		rec.Label = &label
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}
