// Package engine wires together the metainfo loader, data store, tracker
// manager, and scheduler into a single leech download, per spec.md §2's
// control-flow description.
package engine

import (
	"fmt"
	"os"

	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"github.com/go-leech/leech/scheduler"
	"github.com/go-leech/leech/tracker"
)

// Config bundles every component's tunables, decoded from YAML and
// validated the way the teacher's lib/torrent/config.go composes its
// scheduler/conn/dispatch sub-configs.
type Config struct {
	OutputDir string `yaml:"output_dir" validate:"nonzero"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Tracker   tracker.Config   `yaml:"tracker"`
}

// applyDefaults fills zero-valued fields, then validates the result.
func (c Config) applyDefaults() (Config, error) {
	if c.OutputDir == "" {
		c.OutputDir = "downloads"
	}
	if err := validator.Validate(c); err != nil {
		return c, err
	}
	return c, nil
}

// LoadConfig decodes a YAML config file into a Config. Fields omitted from
// the file keep their zero values and are filled by applyDefaults when the
// engine is constructed.
func LoadConfig(path string) (Config, error) {
	var c Config
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("engine: reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("engine: parsing config: %w", err)
	}
	return c, nil
}
