package ddf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dresden-elektronik/gwcore/internal/eventbus"
)

// Store holds the set of loaded DDFs and matches devices against them by
// manufacturer+model (spec §4.D). Reload replaces the whole set atomically
// and, given a key->(manufacturer,model) lookup, enqueues ddf.reload events
// for the affected device keys on the store's bus.
type Store struct {
	dir       string
	validator *Validator
	bus       *eventbus.Bus

	mu   sync.RWMutex
	ddfs []*DDF
}

// NewStore creates a Store that loads *.json documents from dir. bus may be
// nil, in which case Reload does not emit events.
func NewStore(dir string, bus *eventbus.Bus) *Store {
	return &Store{dir: dir, validator: NewValidator(), bus: bus}
}

// Load reads every *.json file under the store's directory, parses and
// validates each against MetaSchema, and replaces the current set. A single
// malformed file is logged and skipped rather than failing the whole load,
// matching the teacher's tolerant-startup posture in cmd/api/main.go.
func (s *Store) Load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read ddf dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := make([]*DDF, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("ddf: cannot read file")
			continue
		}
		d, err := s.parseAndValidate(raw)
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("ddf: skipping invalid document")
			continue
		}
		loaded = append(loaded, d)
	}

	s.mu.Lock()
	s.ddfs = loaded
	s.mu.Unlock()

	log.Info().Int("count", len(loaded)).Str("dir", s.dir).Msg("ddf: loaded documents")
	return nil
}

func (s *Store) parseAndValidate(raw json.RawMessage) (*DDF, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := s.validator.Validate(MetaSchema, generic); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return Parse(raw)
}

// Match returns the first loaded DDF, in file-name order, whose manufacturer
// and model equal the given ones. No other match criterion (such as the
// product) is consulted, so when several DDFs share a manufacturer/model
// pair the first one loaded wins.
func (s *Store) Match(manufacturer, model string) (*DDF, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.ddfs {
		if d.Match.Manufacturer == manufacturer && d.Match.Model == model {
			return d, true
		}
	}
	return nil, false
}

// DeviceLookup resolves a device key to the manufacturer/model pair used for
// DDF matching; callers (the device supervisor's resource registry) supply
// this since the store has no notion of devices itself.
type DeviceLookup func(deviceKey uint64) (manufacturer, model string, ok bool)

// Reload re-reads the directory and, for every device key resolved by
// lookup whose manufacturer/model matched a DDF before the reload, after it,
// or both, emits ddf.reload so the device supervisor re-runs DDF matching
// and rebinds its items (spec §4.D). The event is emitted whether or not the
// matching DDF changed; keys that match nothing before and after get none.
func (s *Store) Reload(lookup DeviceLookup, deviceKeys []uint64) error {
	s.mu.RLock()
	before := make([]*DDF, len(s.ddfs))
	copy(before, s.ddfs)
	s.mu.RUnlock()

	if err := s.Load(); err != nil {
		return err
	}

	if s.bus == nil || lookup == nil {
		return nil
	}

	for _, key := range deviceKeys {
		manufacturer, model, ok := lookup(key)
		if !ok {
			continue
		}
		_, hadBefore := matchIn(before, manufacturer, model)
		after, hasAfter := s.Match(manufacturer, model)
		if !hadBefore && !hasAfter {
			continue
		}
		s.bus.Enqueue(eventbus.NewDeviceEvent(eventbus.ResourceKind("device"), eventbus.EventDDFReload, key))
		_ = after
	}
	return nil
}

func matchIn(ddfs []*DDF, manufacturer, model string) (*DDF, bool) {
	for _, d := range ddfs {
		if d.Match.Manufacturer == manufacturer && d.Match.Model == model {
			return d, true
		}
	}
	return nil, false
}
