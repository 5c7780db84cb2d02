package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/san-kum/meshsim/internal/experiment"
	"github.com/san-kum/meshsim/internal/sim"
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
	ID          string          `json:"id"`
	Model       string          `json:"model"`
	Preset      string          `json:"preset,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	NOut        int             `json:"nout"`
	TimeStep    float64         `json:"timestep"`
	NProcs      int             `json:"nprocs"`
	LocalSize   int             `json:"local_size"`
	GlobalSize  int             `json:"global_size"`
	Fields      []string        `json:"fields"`
	Diagnostics sim.Diagnostics `json:"diagnostics"`
}

var counterColumns = []string{
	"time", "iteration", "nsteps", "nfevals", "nniters", "nliters",
	"nprecsolves", "netfails", "nncfails", "last_step", "last_order",
	"precon_calls",
}

// Save writes metadata.json and diagnostics.csv into a fresh run directory
// and returns the run id. meta.ID and the result-derived fields are filled
// in by Save.
func (s *Store) Save(meta RunMetadata, res *experiment.Result) (string, error) {
	meta.ID = fmt.Sprintf("%s_%s", meta.Model, uuid.NewString())
	meta.Timestamp = time.Now()
	meta.LocalSize, meta.GlobalSize = res.LocalSize, res.GlobalSize
	meta.Diagnostics = res.Final
	meta.Fields = nil
	if len(res.Outputs) > 0 {
		for _, f := range res.Outputs[0].Fields {
			meta.Fields = append(meta.Fields, f.Name)
		}
	}

	runDir := filepath.Join(s.baseDir, meta.ID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", err
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

	csvFile, err := os.Create(filepath.Join(runDir, "diagnostics.csv"))
	if err != nil {
		return "", err
	}
	defer csvFile.Close()

	w := csv.NewWriter(csvFile)
	header := append([]string{}, counterColumns...)
	for _, name := range meta.Fields {
		header = append(header, name+"_mean", name+"_min", name+"_max")
	}
	if err := w.Write(header); err != nil {
		return "", err
	}

	ff := func(v float64) string { return strconv.FormatFloat(v, 'g', 10, 64) }
	fi := strconv.Itoa
	for _, o := range res.Outputs {
		d := o.Diagnostics
		row := []string{
			ff(o.Time), fi(o.Iteration), fi(d.NSteps), fi(d.NFEvals), fi(d.NNonlinIters),
			fi(d.NLinIters), fi(d.NPrecSolves), fi(d.NErrTestFails), fi(d.NNonlinConvFails),
			ff(d.LastStep), fi(d.LastOrder), fi(d.PreconCalls),
		}
		for _, f := range o.Fields {
			row = append(row, ff(f.Mean), ff(f.Min), ff(f.Max))
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	return meta.ID, nil
}

// List returns every readable run, newest first.
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
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })

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

// Series is the per-output diagnostics table of a run.
type Series struct {
	Columns []string
	Rows    [][]float64
}

// Column returns the values of one named column, or nil.
func (s *Series) Column(name string) []float64 {
	idx := -1
	for i, c := range s.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	out := make([]float64, 0, len(s.Rows))
	for _, row := range s.Rows {
		if idx < len(row) {
			out = append(out, row[idx])
		}
	}
	return out
}

func (s *Store) LoadSeries(runID string) (*Series, error) {
	file, err := os.Open(filepath.Join(s.baseDir, runID, "diagnostics.csv"))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return &Series{}, nil
	}

	series := &Series{Columns: records[0]}
	for _, record := range records[1:] {
		row := make([]float64, 0, len(record))
		for _, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("run %s: bad value %q: %w", runID, field, err)
			}
			row = append(row, v)
		}
		series.Rows = append(series.Rows, row)
	}

	return series, nil
}
