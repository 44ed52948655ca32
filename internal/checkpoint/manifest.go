package checkpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrManifest          = errors.New("invalid checkpoint manifest")
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 2 * time.Second
)

type manifestConfig struct {
	HFRepo        string   `yaml:"hf_repo"`
	CacheDir      string   `yaml:"cache_dir"`
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryDelay    *float64 `yaml:"retry_delay"`
	Endpoint      string   `yaml:"endpoint"`
	Revision      string   `yaml:"revision"`
}

type manifestFile struct {
	Config      manifestConfig   `yaml:"config"`
	Checkpoints map[string]Entry `yaml:"checkpoints"`
}

// Entry locates one checkpoint file. Repo overrides the manifest-wide
// repository.
type Entry struct {
	HFPath string `yaml:"hf_path"`
	SHA256 string `yaml:"sha256"`
	Repo   string `yaml:"repo,omitempty"`
}

// Manifest is a parsed checkpoint manifest. It is never mutated after
// construction.
type Manifest struct {
	repo          string
	cacheDir      string
	retryAttempts int
	retryDelay    time.Duration
	endpoint      string
	revision      string
	entries       map[string]Entry
}

func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Manifest{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func ParseManifest(data []byte) (Manifest, error) {
	var raw manifestFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrManifest, err)
	}

	m := Manifest{
		repo:          strings.TrimSpace(raw.Config.HFRepo),
		cacheDir:      raw.Config.CacheDir,
		retryAttempts: raw.Config.RetryAttempts,
		retryDelay:    DefaultRetryDelay,
		endpoint:      raw.Config.Endpoint,
		revision:      raw.Config.Revision,
		entries:       make(map[string]Entry, len(raw.Checkpoints)),
	}
	if m.retryAttempts < 0 {
		return Manifest{}, fmt.Errorf("%w: retry_attempts %d must not be negative", ErrManifest, m.retryAttempts)
	}
	if m.retryAttempts == 0 {
		m.retryAttempts = DefaultRetryAttempts
	}
	if raw.Config.RetryDelay != nil {
		if *raw.Config.RetryDelay < 0 {
			return Manifest{}, fmt.Errorf("%w: retry_delay %v must not be negative", ErrManifest, *raw.Config.RetryDelay)
		}
		m.retryDelay = time.Duration(*raw.Config.RetryDelay * float64(time.Second))
	}

	for name, e := range raw.Checkpoints {
		e.SHA256 = strings.ToLower(strings.TrimSpace(e.SHA256))
		if err := validateEntry(name, e); err != nil {
			return Manifest{}, err
		}
		if e.Repo == "" && m.repo == "" {
			return Manifest{}, fmt.Errorf("%w: checkpoint %q has no repository", ErrManifest, name)
		}
		m.entries[name] = e
	}
	return m, nil
}

func validateEntry(name string, e Entry) error {
	if e.HFPath == "" {
		return fmt.Errorf("%w: checkpoint %q has no hf_path", ErrManifest, name)
	}
	if !filepath.IsLocal(filepath.FromSlash(e.HFPath)) {
		return fmt.Errorf("%w: checkpoint %q path %q escapes the cache", ErrManifest, name, e.HFPath)
	}
	if sum, err := hex.DecodeString(e.SHA256); err != nil || len(sum) != 32 {
		return fmt.Errorf("%w: checkpoint %q sha256 %q is not a hex digest", ErrManifest, name, e.SHA256)
	}
	return nil
}

func (m Manifest) Repo() string              { return m.repo }
func (m Manifest) CacheDir() string          { return m.cacheDir }
func (m Manifest) RetryAttempts() int        { return m.retryAttempts }
func (m Manifest) RetryDelay() time.Duration { return m.retryDelay }
func (m Manifest) Endpoint() string          { return m.endpoint }
func (m Manifest) Revision() string          { return m.revision }

func (m Manifest) Lookup(name string) (Entry, bool) {
	e, ok := m.entries[name]
	return e, ok
}

// RepoFor returns the repository holding a checkpoint.
func (m Manifest) RepoFor(e Entry) string {
	if e.Repo != "" {
		return e.Repo
	}
	return m.repo
}

// Names lists checkpoint names in sorted order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
