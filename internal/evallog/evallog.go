// Package evallog writes the run's evaluation history as CSV files in the
// output directory: "eval" holds time,accuracy,loss rows and "conf.<label>"
// holds time,accuracy rows for each label.
package evallog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/seantiz/hogwild/internal/model"
)

// EvalFile is the name of the aggregate eval log.
const EvalFile = "eval"

// Mode selects how existing log files are opened.
type Mode int

const (
	// Truncate starts the log afresh.
	Truncate Mode = iota
	// Append continues a log written by an earlier phase or a prepended run.
	Append
)

// ModeFor returns Append when records already precede this phase, either
// from an earlier phase of the run or from prepended history.
func ModeFor(firstPhase, prepended bool) Mode {
	if firstPhase && !prepended {
		return Truncate
	}
	return Append
}

// ConfFile names the per-label accuracy log.
func ConfFile(label int) string {
	return "conf." + strconv.Itoa(label)
}

// Artifacts lists the files a prepend source must provide.
func Artifacts(labels int) []string {
	names := []string{EvalFile}
	for l := range labels {
		names = append(names, ConfFile(l))
	}
	return names
}

// Writer appends records to the eval and per-label logs.
type Writer struct {
	files   []*os.File
	writers []*csv.Writer
}

// Open opens the eval log and one per-label log in dir.
func Open(dir string, labels int, mode Mode) (*Writer, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if mode == Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	w := &Writer{}
	for _, name := range Artifacts(labels) {
		f, err := os.OpenFile(filepath.Join(dir, name), flags, 0o644)
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		w.files = append(w.files, f)
		w.writers = append(w.writers, csv.NewWriter(f))
	}
	return w, nil
}

// Write appends one record and flushes it to disk.
func (w *Writer) Write(rec model.EvalRecord) error {
	t := strconv.Itoa(rec.Time)
	if err := w.writeRow(0, []string{t, formatFloat(rec.Accuracy), formatFloat(rec.Loss)}); err != nil {
		return err
	}
	for l, acc := range rec.PerLabel {
		if l+1 >= len(w.writers) {
			break
		}
		if err := w.writeRow(l+1, []string{t, formatFloat(acc)}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeRow(i int, row []string) error {
	cw := w.writers[i]
	if err := cw.Write(row); err != nil {
		return fmt.Errorf("write eval row: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush eval row: %w", err)
	}
	return nil
}

// Close closes every underlying file.
func (w *Writer) Close() error {
	var errs []error
	for _, f := range w.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.files = nil
	return errors.Join(errs...)
}

// Read parses an eval log. The loss column is optional.
func Read(path string) ([]model.EvalRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open eval log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []model.EvalRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read eval log: %w", err)
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("read eval log: short row %v", row)
		}
		rec := model.EvalRecord{}
		if rec.Time, err = strconv.Atoi(row[0]); err != nil {
			return nil, fmt.Errorf("parse time %q: %w", row[0], err)
		}
		if rec.Accuracy, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("parse accuracy %q: %w", row[1], err)
		}
		if len(row) > 2 && row[2] != "" {
			if rec.Loss, err = strconv.ParseFloat(row[2], 64); err != nil {
				return nil, fmt.Errorf("parse loss %q: %w", row[2], err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
