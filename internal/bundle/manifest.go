package bundle

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the installable description of a bundle.
type Manifest struct {
	Name        string          `yaml:"name" json:"name"`
	VersionCode int             `yaml:"version_code" json:"version_code"`
	VersionName string          `yaml:"version_name" json:"version_name"`
	Removable   *bool           `yaml:"removable,omitempty" json:"removable,omitempty"`
	System      bool            `yaml:"system" json:"system"`
	Modules     []HapModuleInfo `yaml:"modules" json:"modules"`
}

func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return ParseManifest(f)
}

func (m *Manifest) Validate() error {
	name := strings.TrimSpace(m.Name)
	if name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if name != m.Name || strings.ContainsAny(name, `/\ `) {
		return fmt.Errorf("manifest name %q contains invalid characters", m.Name)
	}
	if m.VersionCode < 0 {
		return fmt.Errorf("manifest version_code must not be negative")
	}
	seen := make(map[string]bool, len(m.Modules))
	for _, mod := range m.Modules {
		if mod.Name == "" {
			return fmt.Errorf("module name is required")
		}
		if seen[mod.Name] {
			return fmt.Errorf("duplicate module %q", mod.Name)
		}
		seen[mod.Name] = true
	}
	return nil
}

// IsRemovable defaults to true for non-system bundles.
func (m *Manifest) IsRemovable() bool {
	if m.Removable != nil {
		return *m.Removable
	}
	return !m.System
}

// ToInnerBundleInfo creates an original (app index 0) record without users.
func (m *Manifest) ToInnerBundleInfo(now time.Time) *InnerBundleInfo {
	modules := make([]HapModuleInfo, len(m.Modules))
	copy(modules, m.Modules)
	return &InnerBundleInfo{
		BundleName:  m.Name,
		VersionCode: m.VersionCode,
		VersionName: m.VersionName,
		Removable:   m.IsRemovable(),
		IsSystemApp: m.System,
		AppIndex:    InitialAppIndex,
		InstallTime: now,
		Modules:     modules,
		UserInfos:   make(map[int]InnerBundleUserInfo),
	}
}
