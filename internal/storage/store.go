// Package storage persists finished runs: metadata, the diagnostics
// time series and the final particle snapshot, one directory per run.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/smhr/gandalf/internal/diag"
	"github.com/smhr/gandalf/internal/particle"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

type RunMetadata struct {
	ID          string    `json:"id"`
	Preset      string    `json:"preset"`
	Timestamp   time.Time `json:"timestamp"`
	Seed        int64     `json:"seed"`
	Ndim        int       `json:"ndim"`
	Nsph        int       `json:"nsph"`
	TEnd        float64   `json:"tend"`
	Steps       int       `json:"steps"`
	EnergyError float64   `json:"energy_error"`
}

// Save writes one run directory and returns its id.
func (s *Store) Save(runID, preset string, seed int64, ndim int, steps int,
	energyError float64, history []diag.Diagnostics, snap *particle.Store) (string, error) {

	id := fmt.Sprintf("%s_%d", runID, time.Now().Unix())
	runDir := filepath.Join(s.baseDir, id)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
	}

	meta := RunMetadata{
		ID:          id,
		Preset:      preset,
		Timestamp:   time.Now(),
		Seed:        seed,
		Ndim:        ndim,
		Steps:       steps,
		EnergyError: energyError,
	}
	if snap != nil {
		meta.Nsph = snap.Nsph
	}
	if n := len(history); n > 0 {
		meta.TEnd = history[n-1].Time
	}

	metaFile, err := os.Create(filepath.Join(runDir, "metadata.json"))
	if err != nil {
		return "", err
	}
	defer metaFile.Close()
	enc := json.NewEncoder(metaFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return "", err
	}

	if err := writeDiagnostics(filepath.Join(runDir, "diagnostics.csv"), history); err != nil {
		return "", err
	}
	if snap != nil {
		if err := writeSnapshot(filepath.Join(runDir, "snapshot.csv"), snap, ndim); err != nil {
			return "", err
		}
	}
	return id, nil
}

func writeDiagnostics(path string, history []diag.Diagnostics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"time", "nsph", "ekin", "etherm", "egrav", "etot", "momx", "momy", "momz"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, d := range history {
		row := []string{
			ff(d.Time), strconv.Itoa(d.Nsph),
			ff(d.Ekin), ff(d.Etherm), ff(d.Egrav), ff(d.Etot),
			ff(d.Mom[0]), ff(d.Mom[1]), ff(d.Mom[2]),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshot(path string, snap *particle.Store, ndim int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"iorig"}
	axes := []string{"x", "y", "z"}
	for k := 0; k < ndim; k++ {
		header = append(header, axes[k])
	}
	for k := 0; k < ndim; k++ {
		header = append(header, "v"+axes[k])
	}
	header = append(header, "m", "h", "rho", "u")
	if err := w.Write(header); err != nil {
		return err
	}

	for i := 0; i < snap.Nsph; i++ {
		p := snap.At(i)
		if p.Dead {
			continue
		}
		row := []string{strconv.Itoa(p.IOrig)}
		for k := 0; k < ndim; k++ {
			row = append(row, ff(p.R[k]))
		}
		for k := 0; k < ndim; k++ {
			row = append(row, ff(p.V[k]))
		}
		row = append(row, ff(p.M), ff(p.H), ff(p.Rho), ff(p.U))
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}

func ff(v float64) string { return strconv.FormatFloat(v, 'g', 10, 64) }

// List returns metadata for every stored run.
func (s *Store) List() ([]RunMetadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunMetadata{}, nil
		}
		return nil, err
	}

	runs := make([]RunMetadata, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name(), "metadata.json"))
		if err != nil {
			continue
		}
		var meta RunMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		runs = append(runs, meta)
	}
	return runs, nil
}

func (s *Store) Load(runID string) (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, runID, "metadata.json"))
	if err != nil {
		return nil, err
	}
	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadDiagnostics reads a run's time series back as column vectors
// keyed by header name.
func (s *Store) LoadDiagnostics(runID string) (map[string][]float64, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, "diagnostics.csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("storage: %s has no diagnostics", runID)
	}

	header := records[0]
	cols := make(map[string][]float64, len(header))
	for i := 1; i < len(records); i++ {
		for j, name := range header {
			if j >= len(records[i]) {
				continue
			}
			v, err := strconv.ParseFloat(records[i][j], 64)
			if err != nil {
				continue
			}
			cols[name] = append(cols[name], v)
		}
	}
	return cols, nil
}

// Snapshot is a particle dump read back from snapshot.csv.
type Snapshot struct {
	Ndim  int
	IOrig []int
	R     [][3]float64
	V     [][3]float64
	M     []float64
	H     []float64
	Rho   []float64
	U     []float64
}

// LoadSnapshot reads a run's final particle dump.
func (s *Store) LoadSnapshot(runID string) (*Snapshot, error) {
	f, err := os.Open(filepath.Join(s.baseDir, runID, "snapshot.csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 1 {
		return nil, fmt.Errorf("storage: %s has no snapshot", runID)
	}

	// The header carries one position column per dimension.
	ndim := 0
	for _, name := range records[0] {
		switch name {
		case "x", "y", "z":
			ndim++
		}
	}
	if ndim < 1 || ndim > 3 {
		return nil, fmt.Errorf("storage: %s snapshot header lists %d position columns", runID, ndim)
	}

	snap := &Snapshot{Ndim: ndim}
	for _, rec := range records[1:] {
		if len(rec) != 1+2*ndim+4 {
			return nil, fmt.Errorf("storage: %s snapshot row has %d columns, want %d", runID, len(rec), 1+2*ndim+4)
		}
		fields := make([]float64, len(rec))
		for j, cell := range rec {
			if fields[j], err = strconv.ParseFloat(cell, 64); err != nil {
				return nil, fmt.Errorf("storage: %s snapshot: %w", runID, err)
			}
		}
		var r, v [3]float64
		for k := 0; k < ndim; k++ {
			r[k] = fields[1+k]
			v[k] = fields[1+ndim+k]
		}
		snap.IOrig = append(snap.IOrig, int(fields[0]))
		snap.R = append(snap.R, r)
		snap.V = append(snap.V, v)
		snap.M = append(snap.M, fields[1+2*ndim])
		snap.H = append(snap.H, fields[1+2*ndim+1])
		snap.Rho = append(snap.Rho, fields[1+2*ndim+2])
		snap.U = append(snap.U, fields[1+2*ndim+3])
	}
	return snap, nil
}
