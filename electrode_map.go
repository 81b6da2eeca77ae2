package valveautomation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ElectrodeID identifies an electrode on the chip.
type ElectrodeID uint32

// ValveID identifies a valve on the valve controller.
type ValveID uint32

// Assignment is the persisted orientation of the mapping: valve -> electrode.
type Assignment map[ValveID]ElectrodeID

// ElectrodeValveMap is the runtime orientation: electrode -> valve.
type ElectrodeValveMap map[ElectrodeID]ValveID

const assignmentHeaderValve, assignmentHeaderElectrode = "valve", "electrode"

// LoadAssignment reads a two-column valve,electrode CSV table.
func LoadAssignment(path string) (Assignment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening assignment %q: %v", ErrStorage, path, err)
	}
	defer f.Close()

	a, err := ReadAssignment(f)
	if err != nil {
		return nil, fmt.Errorf("reading assignment %q: %w", path, err)
	}
	return a, nil
}

// ReadAssignment parses the assignment table from r. A leading row with no
// numeric cell is treated as a header.
func ReadAssignment(r io.Reader) (Assignment, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	a := Assignment{}
	for first := true; ; {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, fmt.Errorf("%w: %v", ErrConfig, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		line, _ := cr.FieldPos(0)
		if len(rec) != 2 {
			return nil, fmt.Errorf("%w: line %d: expected 2 columns, got %d", ErrConfig, line, len(rec))
		}
		valve, verr := parseID(rec[0])
		electrode, eerr := parseID(rec[1])
		header := first && verr != nil && eerr != nil
		first = false
		if header {
			continue
		}
		if verr != nil {
			return nil, fmt.Errorf("%w: line %d: valve: %v", ErrConfig, line, verr)
		}
		if eerr != nil {
			return nil, fmt.Errorf("%w: line %d: electrode: %v", ErrConfig, line, eerr)
		}
		if _, dup := a[ValveID(valve)]; dup {
			return nil, fmt.Errorf("%w: line %d: valve %d assigned twice", ErrConfig, line, valve)
		}
		a[ValveID(valve)] = ElectrodeID(electrode)
	}
	return a, nil
}

func parseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return uint32(v), nil
}

// SaveAssignment writes the table sorted by valve id. The file is replaced
// atomically.
func SaveAssignment(path string, a Assignment) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".assignment-*.csv")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in %q: %v", ErrStorage, dir, err)
	}
	defer os.Remove(tmp.Name())

	if err := a.WriteCSV(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: replacing %q: %v", ErrStorage, path, err)
	}
	return nil
}

// WriteCSV writes the header and one row per valve, sorted by valve id.
func (a Assignment) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	rows := [][]string{{assignmentHeaderValve, assignmentHeaderElectrode}}
	for _, v := range a.Valves() {
		rows = append(rows, []string{
			strconv.FormatUint(uint64(v), 10),
			strconv.FormatUint(uint64(a[v]), 10),
		})
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("%w: writing assignment: %v", ErrStorage, err)
	}
	return nil
}

// Valves returns the assigned valve ids in ascending order.
func (a Assignment) Valves() []ValveID {
	out := make([]ValveID, 0, len(a))
	for v := range a {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Invert builds the electrode -> valve map. The file format allows one
// electrode on several valves; the controller does not, so that is rejected.
func (a Assignment) Invert() (ElectrodeValveMap, error) {
	m := make(ElectrodeValveMap, len(a))
	for _, v := range a.Valves() {
		e := a[v]
		if prev, dup := m[e]; dup {
			return nil, fmt.Errorf("%w: electrode %d assigned to valves %d and %d", ErrConfig, e, prev, v)
		}
		m[e] = v
	}
	return m, nil
}

// Assignment returns the persisted orientation of m.
func (m ElectrodeValveMap) Assignment() Assignment {
	a := make(Assignment, len(m))
	for e, v := range m {
		a[v] = e
	}
	return a
}

// Filter keeps the electrodes that have a valve, preserving order and
// dropping repeats.
func (m ElectrodeValveMap) Filter(electrodes []ElectrodeID) []ElectrodeID {
	out := make([]ElectrodeID, 0, len(electrodes))
	seen := make(map[ElectrodeID]struct{}, len(electrodes))
	for _, e := range electrodes {
		if _, ok := m[e]; !ok {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}

// Resolve maps electrodes to valves. Unassigned electrodes are skipped; they
// are simply not under valve automation.
func (m ElectrodeValveMap) Resolve(electrodes []ElectrodeID) []ValveID {
	out := make([]ValveID, 0, len(electrodes))
	for _, e := range electrodes {
		if v, ok := m[e]; ok {
			out = append(out, v)
		}
	}
	return out
}

// Clone returns an independent copy, used as a session's snapshot.
func (m ElectrodeValveMap) Clone() ElectrodeValveMap {
	out := make(ElectrodeValveMap, len(m))
	for e, v := range m {
		out[e] = v
	}
	return out
}
