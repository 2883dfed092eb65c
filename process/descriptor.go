// Package process starts plugin executables and connects to them.
//
// A plugin is started by allocating a loopback port, launching its
// entrypoint with "--port <port>" appended to its arguments, and polling the
// port with linear backoff and jitter until the plugin answers. Failed
// processes are killed and respawned up to a configured number of times.
package process

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Descriptor identifies a plugin and how to run it. It is immutable once
// resolved.
type Descriptor struct {
	Publisher  string   `yaml:"publisher"`
	Name       string   `yaml:"name"`
	Version    string   `yaml:"version"`
	Entrypoint string   `yaml:"entrypoint"`
	Args       []string `yaml:"args,omitempty"`
}

// String returns "publisher/name@version".
func (d Descriptor) String() string {
	if d.Version == "" {
		return d.Publisher + "/" + d.Name
	}
	return d.Publisher + "/" + d.Name + "@" + d.Version
}

// Validate checks that all required fields are set.
func (d Descriptor) Validate() error {
	switch {
	case d.Publisher == "":
		return fmt.Errorf("plugin descriptor: missing publisher")
	case d.Name == "":
		return fmt.Errorf("plugin descriptor %s: missing name", d.Publisher)
	case d.Entrypoint == "":
		return fmt.Errorf("plugin descriptor %s: missing entrypoint", d)
	}
	return nil
}

// LoadManifest reads a plugin.yaml file. A relative entrypoint is resolved
// against the manifest's directory.
func LoadManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read plugin manifest: %w", err)
	}
	return ParseManifest(data, filepath.Dir(path))
}

// ParseManifest decodes manifest YAML. dir is used to resolve a relative
// entrypoint; pass "" to leave it unchanged.
func ParseManifest(data []byte, dir string) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse plugin manifest: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	if dir != "" && !filepath.IsAbs(d.Entrypoint) {
		d.Entrypoint = filepath.Join(dir, d.Entrypoint)
	}
	return d, nil
}
