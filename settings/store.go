package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/VictorTagayun/PFController/adc"
)

// ErrNotFound is returned by Load when nothing has been saved yet
var ErrNotFound = errors.New("settings not found")

// Store persists Settings. Load is called once at start up, Save on the
// settings save command.
type Store interface {
	Load() (Settings, error)
	Save(s Settings) error
}

// fileFormat keys calibration by channel name so files stay readable
type fileFormat struct {
	Calibration map[string]CalibrationEntry `yaml:"calibration"`
	Protection  ProtectionThresholds        `yaml:"protection"`
	Capacitor   CapacitorSettings           `yaml:"capacitor"`
}

// FileStore keeps settings in a YAML file
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (f *FileStore) Path() string {
	return f.path
}

// Load reads and validates the file. Channels missing from the file keep
// their default calibration.
func (f *FileStore) Load() (Settings, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, fmt.Errorf("reading settings: %w", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return Settings{}, fmt.Errorf("parsing settings %s: %w", f.path, err)
	}

	s := Settings{
		Calibration: DefaultCalibration(),
		Protection:  ff.Protection,
		Capacitor:   ff.Capacitor,
	}
	for name, entry := range ff.Calibration {
		ch, ok := adc.ParseChannel(name)
		if !ok {
			return Settings{}, fmt.Errorf("parsing settings %s: unknown channel %q", f.path, name)
		}
		s.Calibration[ch] = entry
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings %s: %w", f.path, err)
	}
	return s, nil
}

// Save writes the file atomically through a temporary file in the same
// directory.
func (f *FileStore) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	ff := fileFormat{
		Calibration: make(map[string]CalibrationEntry, adc.NumChannels),
		Protection:  s.Protection,
		Capacitor:   s.Capacitor,
	}
	for ch, entry := range s.Calibration {
		ff.Calibration[adc.Channel(ch).String()] = entry
	}

	data, err := yaml.Marshal(&ff)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp settings: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing settings: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing settings: %w", err)
	}
	return nil
}

// MemoryStore keeps settings in memory (tests, runs without a settings file)
type MemoryStore struct {
	mu    sync.Mutex
	saved *Settings
	saves int
	err   error
}

// NewMemoryStore creates an empty store; a nil initial means ErrNotFound
// on Load.
func NewMemoryStore(initial *Settings) *MemoryStore {
	m := &MemoryStore{}
	if initial != nil {
		cp := *initial
		m.saved = &cp
	}
	return m
}

func (m *MemoryStore) Load() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return Settings{}, ErrNotFound
	}
	return *m.saved, nil
}

func (m *MemoryStore) Save(s Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = &s
	m.saves++
	return nil
}

// FailWith makes every following Save return err (nil to recover)
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Saves returns how many times Save succeeded
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
