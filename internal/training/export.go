package training

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"botguard/internal/features"
	"botguard/internal/ml"
)

// Export file names written by ExportDir.
const (
	CSVFile  = "training_data.csv"
	JSONFile = "training_data.json"
)

// CSVHeader is the first row of every CSV export.
func CSVHeader() []string {
	header := make([]string, 0, features.Count+2)
	header = append(header, "session_id")
	header = append(header, features.Names[:]...)
	return append(header, "is_bot")
}

// WriteCSV writes ds as CSV with one row per session.
func WriteCSV(w io.Writer, ds Dataset) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(CSVHeader()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, 0, features.Count+2)
	for i, row := range ds.X {
		record = record[:0]
		id := ""
		if i < len(ds.SessionIDs) {
			id = ds.SessionIDs[i]
		}
		record = append(record, id)
		for _, x := range row {
			record = append(record, strconv.FormatFloat(x, 'f', -1, 64))
		}
		record = append(record, strconv.FormatFloat(ds.Y[i], 'f', 1, 64))
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

type jsonExport struct {
	Features []string `json:"features"`
	Dataset
}

// WriteJSON writes ds as a single JSON document that also names the
// feature columns.
func WriteJSON(w io.Writer, ds Dataset) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonExport{Features: features.Names[:], Dataset: ds})
}

// ExportDir writes the CSV and JSON exports plus the model metadata sidecar
// into dir.
func ExportDir(dir string, ds Dataset) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	writers := []struct {
		name  string
		write func(io.Writer, Dataset) error
	}{
		{CSVFile, WriteCSV},
		{JSONFile, WriteJSON},
	}
	for _, wr := range writers {
		path := filepath.Join(dir, wr.name)
		if err := writeFile(path, ds, wr.write); err != nil {
			return err
		}
		log.Info().Str("file", path).Int("rows", ds.Len()).Msg("training data exported")
	}

	md := ml.DefaultMetadata()
	md.Version = time.Now().UTC().Format("20060102-150405")
	md.TrainedAt = time.Now().UTC()
	md.TrainingRows = ds.Len()
	return ml.WriteMetadata(dir, md)
}

func writeFile(path string, ds Dataset, write func(io.Writer, Dataset) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f, ds); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
