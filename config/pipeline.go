package config

import (
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

// PipelineConfig holds the tunables of the page-processing pipeline.
// Values come from pipeline.yaml in the working directory when present,
// otherwise the defaults below apply.
type PipelineConfig struct {
	// BatchSize is the number of pages per progress batch.
	BatchSize int `yaml:"batchSize"`
	// PauseEveryBatches suspends the run before every Nth batch.
	PauseEveryBatches int `yaml:"pauseEveryBatches"`
	// PauseThreshold is the minimum total page count before batch
	// pauses kick in at all.
	PauseThreshold int `yaml:"pauseThreshold"`
	// CheckpointEvery is the hard-stop interval in pages; continuing
	// past it requires explicit operator confirmation.
	CheckpointEvery int `yaml:"checkpointEvery"`
	// MaxPages caps the page count of a single upload.
	MaxPages int `yaml:"maxPages"`
	// MaxFileSizeMB caps each uploaded file.
	MaxFileSizeMB int64 `yaml:"maxFileSizeMB"`
	// RunBaseDir is where run working directories are created.
	RunBaseDir string `yaml:"runBaseDir"`
	// DatabasePath is the SQLite page record store location.
	DatabasePath string `yaml:"databasePath"`
	// SecondsPerPageEstimate feeds the upfront wall-clock estimate.
	SecondsPerPageEstimate int `yaml:"secondsPerPageEstimate"`
}

func defaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		BatchSize:              20,
		PauseEveryBatches:      5,
		PauseThreshold:         50,
		CheckpointEvery:        300,
		MaxPages:               500,
		MaxFileSizeMB:          50,
		RunBaseDir:             filepath.Join(os.TempDir(), "book-translator-runs"),
		DatabasePath:           "data",
		SecondsPerPageEstimate: 12,
	}
}

func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		pipelineConfig = defaultPipelineConfig()

		path := envOrDefault("PIPELINE_CONFIG", "pipeline.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("Warning: can't read %s: %v, using defaults", path, err)
			}
			return
		}

		if err := yaml.Unmarshal(data, pipelineConfig); err != nil {
			log.Printf("Warning: can't parse %s: %v, using defaults", path, err)
			pipelineConfig = defaultPipelineConfig()
		}
	})
	return pipelineConfig
}
