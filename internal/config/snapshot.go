package config

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/regsync/internal/model"
)

// ErrUnknownSource is returned when a batch names a source key that is not configured.
var ErrUnknownSource = eris.New("config: unknown source")

// Snapshot is the immutable view of configuration a batch runs with. It is
// taken once at batch start and never re-read mid-batch.
type Snapshot struct {
	TakenAt  time.Time               `json:"taken_at"`
	Pipeline PipelineConfig          `json:"pipeline"`
	Fetch    FetchConfig             `json:"fetch"`
	Sources  map[string]SourceConfig `json:"sources"`
}

// TakeSnapshot copies cfg and applies runtime overrides from the settings
// table. Recognized override keys are source.<key>.enabled,
// source.<key>.priority, source.<key>.strategy and source.<key>.allow_overwrite.
func TakeSnapshot(cfg *Config, overrides map[string]string, now time.Time) (*Snapshot, error) {
	snap := &Snapshot{
		TakenAt:  now.UTC(),
		Pipeline: cfg.Pipeline,
		Fetch:    cfg.Fetch,
		Sources:  make(map[string]SourceConfig, len(cfg.Sources)),
	}
	for key, sc := range cfg.Sources {
		snap.Sources[key] = copySource(sc)
	}

	for k, v := range overrides {
		rest, ok := strings.CutPrefix(k, "source.")
		if !ok {
			continue
		}
		i := strings.LastIndex(rest, ".")
		if i <= 0 {
			return nil, eris.Errorf("config: malformed override key %q", k)
		}
		key, attr := rest[:i], rest[i+1:]
		sc, ok := snap.Sources[key]
		if !ok {
			return nil, eris.Wrapf(ErrUnknownSource, "override %q", k)
		}
		if err := applyOverride(&sc, attr, v); err != nil {
			return nil, eris.Wrapf(err, "config: override %q", k)
		}
		snap.Sources[key] = sc
	}

	for key, sc := range snap.Sources {
		if err := validateSource(key, sc); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func applyOverride(sc *SourceConfig, attr, v string) error {
	switch attr {
	case "enabled":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		sc.Enabled = b
	case "priority":
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		sc.Upsert.Priority = n
	case "strategy":
		sc.Upsert.Strategy = v
	case "allow_overwrite":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		sc.Upsert.AllowOverwrite = &b
	default:
		return eris.Errorf("unsupported attribute %q", attr)
	}
	return nil
}

func validateSource(key string, sc SourceConfig) error {
	if sc.Adapter == "" {
		return eris.Errorf("config: source %q: adapter is required", key)
	}
	if _, err := model.ParseGrade(sc.Parse.DefaultGrade); err != nil {
		return eris.Wrapf(err, "config: source %q", key)
	}
	if sc.Parse.DefaultGrade != "" && strings.EqualFold(sc.Parse.DefaultGrade, "manual") {
		return eris.Errorf("config: source %q: grade MANUAL is reserved for human resolution", key)
	}
	if sc.Upsert.Strategy != "" && !model.UpsertStrategy(sc.Upsert.Strategy).Valid() {
		return eris.Errorf("config: source %q: unknown strategy %q", key, sc.Upsert.Strategy)
	}
	if sc.Upsert.Priority < 0 {
		return eris.Errorf("config: source %q: priority must be >= 0", key)
	}
	return nil
}

func copySource(sc SourceConfig) SourceConfig {
	out := sc
	if sc.Parse.Columns != nil {
		out.Parse.Columns = maps.Clone(sc.Parse.Columns)
	}
	if sc.Upsert.AllowOverwrite != nil {
		b := *sc.Upsert.AllowOverwrite
		out.Upsert.AllowOverwrite = &b
	}
	return out
}

// Source returns the configuration of one source.
func (s *Snapshot) Source(key string) (SourceConfig, error) {
	sc, ok := s.Sources[key]
	if !ok {
		return SourceConfig{}, eris.Wrapf(ErrUnknownSource, "source %q", key)
	}
	return copySource(sc), nil
}

// Enabled returns the enabled source keys in sorted order.
func (s *Snapshot) Enabled() []string {
	var keys []string
	for key, sc := range s.Sources {
		if sc.Enabled {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Keys returns all configured source keys in sorted order.
func (s *Snapshot) Keys() []string {
	return slices.Sorted(maps.Keys(s.Sources))
}

// Meta returns the arbitration policy of a source.
func (s *Snapshot) Meta(key string) (model.SourceMeta, error) {
	sc, err := s.Source(key)
	if err != nil {
		return model.SourceMeta{}, err
	}
	grade, err := model.ParseGrade(sc.Parse.DefaultGrade)
	if err != nil {
		return model.SourceMeta{}, eris.Wrapf(err, "config: source %q", key)
	}
	strategy := model.UpsertStrategy(sc.Upsert.Strategy)
	if strategy == "" {
		strategy = model.StrategyArbitrate
	}
	allow := true
	if sc.Upsert.AllowOverwrite != nil {
		allow = *sc.Upsert.AllowOverwrite
	}
	return model.SourceMeta{
		Key:            key,
		Grade:          grade,
		Priority:       sc.Upsert.Priority,
		Strategy:       strategy,
		AllowOverwrite: allow,
	}, nil
}

// ForSource returns a copy narrowed to a single source, for storing on that source's batch run.
func (s *Snapshot) ForSource(key string) (*Snapshot, error) {
	sc, err := s.Source(key)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		TakenAt:  s.TakenAt,
		Pipeline: s.Pipeline,
		Fetch:    s.Fetch,
		Sources:  map[string]SourceConfig{key: sc},
	}, nil
}

// JSON encodes the snapshot for the batch ledger.
func (s *Snapshot) JSON() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "config: marshal snapshot")
	}
	return b, nil
}
