package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoPreviousVersion is returned by Rollback when nothing older exists.
var ErrNoPreviousVersion = errors.New("no previous version available")

// ModelVersion represents a versioned ML model
type ModelVersion struct {
	Version   string       `json:"version"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	Metrics   ModelMetrics `json:"metrics"`
	IsActive  bool         `json:"is_active"`
}

// ModelMetrics contains held-out evaluation results for a model
type ModelMetrics struct {
	Accuracy        float64 `json:"accuracy"`
	Precision       float64 `json:"precision"`
	Recall          float64 `json:"recall"`
	F1Score         float64 `json:"f1_score"`
	AllowRate       float64 `json:"allow_rate"`
	TrainingSamples int     `json:"training_samples"`
}

// ModelManager handles model versioning and rollback. Versions are kept
// newest first.
type ModelManager struct {
	mu           sync.RWMutex
	modelsDir    string
	versionsFile string
	versions     []ModelVersion
	now          func() time.Time
}

// NewModelManager creates a new model manager
func NewModelManager(modelsDir string) (*ModelManager, error) {
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create models dir: %w", err)
	}

	mm := &ModelManager{
		modelsDir:    modelsDir,
		versionsFile: filepath.Join(modelsDir, "model_versions.json"),
		versions:     make([]ModelVersion, 0),
		now:          time.Now,
	}

	if err := mm.loadVersions(); err != nil {
		log.Warn().Err(err).Msg("failed to load model versions, starting fresh")
	}

	return mm, nil
}

// AddVersion registers a model artifact and returns its version id.
func (mm *ModelManager) AddVersion(modelPath string, metrics ModelMetrics) (string, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	created := mm.now()
	id := created.Format("20060102-150405")
	for n := 2; mm.indexOf(id) >= 0; n++ {
		id = fmt.Sprintf("%s-%d", created.Format("20060102-150405"), n)
	}

	mm.versions = append(mm.versions, ModelVersion{
		Version:   id,
		Path:      modelPath,
		CreatedAt: created,
		Metrics:   metrics,
	})
	sort.SliceStable(mm.versions, func(i, j int) bool {
		return mm.versions[i].CreatedAt.After(mm.versions[j].CreatedAt)
	})

	return id, mm.saveVersions()
}

// ActivateVersion activates a specific model version
func (mm *ModelManager) ActivateVersion(version string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.activate(version)
}

func (mm *ModelManager) activate(version string) error {
	idx := mm.indexOf(version)
	if idx < 0 {
		return fmt.Errorf("version %s not found", version)
	}
	for i := range mm.versions {
		mm.versions[i].IsActive = i == idx
	}
	return mm.saveVersions()
}

// Rollback activates the version created just before the active one.
func (mm *ModelManager) Rollback() (string, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	currentIdx := -1
	for i, v := range mm.versions {
		if v.IsActive {
			currentIdx = i
			break
		}
	}
	if currentIdx == -1 {
		return "", fmt.Errorf("no active version found")
	}
	if currentIdx+1 >= len(mm.versions) {
		return "", ErrNoPreviousVersion
	}

	prev := mm.versions[currentIdx+1].Version
	return prev, mm.activate(prev)
}

// GetCurrentVersion returns the active version, or nil.
func (mm *ModelManager) GetCurrentVersion() *ModelVersion {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	for _, v := range mm.versions {
		if v.IsActive {
			return &v
		}
	}
	return nil
}

// ListVersions returns a copy of all versions, newest first.
func (mm *ModelManager) ListVersions() []ModelVersion {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return append([]ModelVersion(nil), mm.versions...)
}

func (mm *ModelManager) indexOf(version string) int {
	for i := range mm.versions {
		if mm.versions[i].Version == version {
			return i
		}
	}
	return -1
}

func (mm *ModelManager) loadVersions() error {
	data, err := os.ReadFile(mm.versionsFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, &mm.versions)
}

func (mm *ModelManager) saveVersions() error {
	data, err := json.MarshalIndent(mm.versions, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(mm.versionsFile, data, 0o600)
}
