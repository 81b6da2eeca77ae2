package valveautomation

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// StepLogRow is one poll: time since session start and the capacitance of
// every electrode polled.
type StepLogRow struct {
	Elapsed     time.Duration
	Capacitance map[ElectrodeID]float64
}

// StepLog records a session's polls. Electrodes is the set the session
// started with; columns follow its order.
type StepLog struct {
	SessionID  string
	Electrodes []ElectrodeID
	Rows       []StepLogRow
}

// Append adds a row. The readings map is copied.
func (l *StepLog) Append(elapsed time.Duration, readings map[ElectrodeID]float64) {
	row := StepLogRow{Elapsed: elapsed, Capacitance: make(map[ElectrodeID]float64, len(readings))}
	for e, v := range readings {
		row.Capacitance[e] = v
	}
	l.Rows = append(l.Rows, row)
}

// WriteCSV writes time_s,Electrode,<electrode>... followed by one line per
// poll. Electrodes not polled in a row are left blank.
func (l *StepLog) WriteCSV(w io.Writer) error {
	electrodeCell := joinElectrodes(l.Electrodes)

	header := make([]string, 0, 2+len(l.Electrodes))
	header = append(header, "time_s", "Electrode")
	for _, e := range l.Electrodes {
		header = append(header, strconv.FormatUint(uint64(e), 10))
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("%w: writing step log: %v", ErrStorage, err)
	}
	for _, row := range l.Rows {
		rec := make([]string, 0, len(header))
		rec = append(rec, strconv.FormatFloat(row.Elapsed.Seconds(), 'f', 6, 64), electrodeCell)
		for _, e := range l.Electrodes {
			v, ok := row.Capacitance[e]
			if !ok {
				rec = append(rec, "")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("%w: writing step log: %v", ErrStorage, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("%w: writing step log: %v", ErrStorage, err)
	}
	return nil
}

// Flush writes the log to a new file under dir and returns its path.
func (l *StepLog) Flush(dir string, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating log dir %q: %v", ErrStorage, dir, err)
	}
	id := l.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	name := fmt.Sprintf("valve_log_%s_%s.csv", at.UTC().Format("20060102T150405Z"), id)
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("%w: creating %q: %v", ErrStorage, path, err)
	}
	if err := l.WriteCSV(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("%w: closing %q: %v", ErrStorage, path, err)
	}
	return path, nil
}

func joinElectrodes(electrodes []ElectrodeID) string {
	parts := make([]string, len(electrodes))
	for i, e := range electrodes {
		parts[i] = strconv.FormatUint(uint64(e), 10)
	}
	return strings.Join(parts, " ")
}
