// Package training turns stored sessions into the labelled feature matrix
// consumed by the external model trainer, and evaluates trained scorers
// against it.
//
// Every row is produced by features.EngineerJSON, the same extractor the
// online service uses, so a model never sees a vector shaped differently
// from the one it was trained on.
package training

import (
	"encoding/json"
	"iter"

	"github.com/rs/zerolog/log"

	"botguard/internal/features"
	"botguard/internal/session"
	"botguard/internal/storage"
)

// Record is one stored session as seen by the assembler.
type Record struct {
	ID    string
	Label *session.Label
	Raw   json.RawMessage
}

// SkippedRecord names a labelled session whose features could not be
// extracted.
type SkippedRecord struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Dataset is the labelled feature matrix. X, Y and SessionIDs are aligned
// row for row; X columns follow features.Names.
type Dataset struct {
	X          [][]float64     `json:"x"`
	Y          []float64       `json:"y"`
	SessionIDs []string        `json:"session_ids"`
	Skipped    []SkippedRecord `json:"skipped,omitempty"`
	Unlabeled  int             `json:"unlabeled"`
}

// Len returns the number of rows.
func (ds Dataset) Len() int { return len(ds.Y) }

// ClassCounts returns the number of human and bot rows.
func (ds Dataset) ClassCounts() (human, bot int) {
	for _, y := range ds.Y {
		if session.Label(y).IsBot() {
			bot++
		} else {
			human++
		}
	}
	return human, bot
}

// Assemble extracts features from every labelled record. Records that fail
// extraction are logged, listed in Skipped and left out; unlabelled records
// are only counted.
func Assemble(records iter.Seq[Record]) Dataset {
	var ds Dataset

	for rec := range records {
		if rec.Label == nil {
			ds.Unlabeled++
			continue
		}

		v, err := features.EngineerJSON(rec.Raw)
		if err != nil {
			log.Warn().Err(err).Str("session_id", rec.ID).Msg("skipping session with malformed payload")
			ds.Skipped = append(ds.Skipped, SkippedRecord{ID: rec.ID, Reason: err.Error()})
			continue
		}

		ds.X = append(ds.X, v.Values())
		ds.Y = append(ds.Y, rec.Label.Float64())
		ds.SessionIDs = append(ds.SessionIDs, rec.ID)
	}

	log.Info().
		Int("rows", ds.Len()).
		Int("skipped", len(ds.Skipped)).
		Int("unlabeled", ds.Unlabeled).
		Msg("assembled training data")

	return ds
}

// StoreRecords yields every session in the store in arrival order. A scan
// failure ends the sequence and is reported through errp when it is
// non-nil.
func StoreRecords(store *storage.Store, errp *error) iter.Seq[Record] {
	return func(yield func(Record) bool) {
		stop := errStopIteration{}
		err := store.ForEachSession(func(s storage.StoredSession) error {
			if !yield(Record{ID: s.ID, Label: s.Label, Raw: s.Raw}) {
				return stop
			}
			return nil
		})
		if err != nil && err != error(stop) && errp != nil {
			*errp = err
		}
	}
}

type errStopIteration struct{}

func (errStopIteration) Error() string { return "iteration stopped" }

// Rows returns the dataset as feature vectors.
func (ds Dataset) Rows() []features.Vector {
	out := make([]features.Vector, 0, len(ds.X))
	for _, row := range ds.X {
		v, err := features.FromValues(row)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
