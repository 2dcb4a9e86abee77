package tracedata

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects the encoding of a dataset file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	// FormatCSV carries intervals only, one per row, with a header naming
	// at least begin and end.
	FormatCSV Format = "csv"
)

// document is the JSON and YAML file shape.
type document struct {
	Intervals []Interval          `json:"intervals" yaml:"intervals"`
	Metrics   map[string][]Sample `json:"metrics" yaml:"metrics"`
}

// FormatFor guesses a format from a file extension, defaulting to JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".csv":
		return FormatCSV
	}
	return FormatJSON
}

// LoadFile reads a dataset whose id is the file name without extension.
func LoadFile(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tracedata: open %s: %w", path, err)
	}
	defer f.Close()
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Load(id, f, FormatFor(path))
}

// Load decodes a dataset from r.
func Load(id string, r io.Reader, format Format) (*Dataset, error) {
	var doc document
	switch format {
	case FormatYAML:
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("tracedata: decode yaml %q: %w", id, err)
		}
	case FormatCSV:
		ivs, err := readCSV(r)
		if err != nil {
			return nil, fmt.Errorf("tracedata: decode csv %q: %w", id, err)
		}
		doc.Intervals = ivs
	default:
		if err := json.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("tracedata: decode json %q: %w", id, err)
		}
	}
	return NewDataset(id, doc.Intervals, doc.Metrics)
}

func readCSV(r io.Reader) ([]Interval, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"begin", "end"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing %q column", required)
		}
	}
	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var out []Interval
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		iv := Interval{
			ID:        field(row, "id"),
			Location:  field(row, "location"),
			Primitive: field(row, "primitive"),
		}
		if iv.Begin, err = strconv.ParseFloat(field(row, "begin"), 64); err != nil {
			return nil, fmt.Errorf("line %d: begin: %w", line, err)
		}
		if iv.End, err = strconv.ParseFloat(field(row, "end"), 64); err != nil {
			return nil, fmt.Errorf("line %d: end: %w", line, err)
		}
		out = append(out, iv)
	}
}

// SyntheticConfig shapes a generated dataset.
type SyntheticConfig struct {
	Locations    int
	Span         float64
	MeanDuration float64
	Primitives   []string
	Metrics      []string
	Samples      int
	Seed         int64
}

// DefaultSyntheticConfig is a small but busy dataset.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Locations:    8,
		Span:         1_000_000,
		MeanDuration: 2_000,
		Primitives:   []string{"compute", "copy", "reduce", "io"},
		Metrics:      []string{"memory", "bandwidth"},
		Samples:      4096,
		Seed:         1,
	}
}

// Synthetic generates a deterministic dataset: each location runs
// back-to-back intervals separated by short idle gaps, and each metric is
// a noisy sine sampled evenly across the span.
func Synthetic(id string, cfg SyntheticConfig) (*Dataset, error) {
	def := DefaultSyntheticConfig()
	if cfg.Locations < 1 {
		cfg.Locations = def.Locations
	}
	if !(cfg.Span > 0) {
		cfg.Span = def.Span
	}
	if !(cfg.MeanDuration > 0) {
		cfg.MeanDuration = def.MeanDuration
	}
	if len(cfg.Primitives) == 0 {
		cfg.Primitives = def.Primitives
	}
	if cfg.Samples < 2 {
		cfg.Samples = def.Samples
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	var ivs []Interval
	for l := 0; l < cfg.Locations; l++ {
		loc := fmt.Sprintf("rank-%d", l)
		t := rng.Float64() * cfg.MeanDuration
		for t < cfg.Span {
			d := cfg.MeanDuration * (0.2 + 1.6*rng.Float64())
			end := math.Min(t+d, cfg.Span)
			if end > t {
				ivs = append(ivs, Interval{
					Begin:     t,
					End:       end,
					Location:  loc,
					Primitive: cfg.Primitives[rng.Intn(len(cfg.Primitives))],
				})
			}
			t = end + cfg.MeanDuration*0.3*rng.Float64()
		}
	}

	metrics := make(map[string][]Sample, len(cfg.Metrics))
	step := cfg.Span / float64(cfg.Samples-1)
	for mi, name := range cfg.Metrics {
		s := make([]Sample, cfg.Samples)
		phase := float64(mi) * math.Pi / 3
		for i := range s {
			t := float64(i) * step
			s[i] = Sample{T: t, V: 50 + 40*math.Sin(2*math.Pi*t/cfg.Span*4+phase) + 5*rng.NormFloat64()}
		}
		metrics[name] = s
	}
	return NewDataset(id, ivs, metrics)
}
