package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/choraleia/persona/pkg/db"
)

// ManifestFile is the file name of a skill manifest inside its directory.
const ManifestFile = "skill.yaml"

// Runtimes a skill entry point can use.
const (
	RuntimeNode   = "node"
	RuntimePython = "python"
	RuntimeExec   = "exec"
)

// Manifest describes a skill on disk.
type Manifest struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Runtime     string                 `yaml:"runtime"`
	Entry       string                 `yaml:"entry"`
	Config      map[string]interface{} `yaml:"config"`
	Tools       []ManifestTool         `yaml:"tools"`

	// Dir is the directory the manifest was read from.
	Dir string `yaml:"-"`
}

// ManifestTool is one tool of a manifest.
type ManifestTool struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Parameters  map[string]interface{} `yaml:"parameters"`
}

// LoadManifests reads <dir>/<skill>/skill.yaml for every subdirectory, in
// name order. A missing dir yields no manifests.
func LoadManifests(dir string) ([]Manifest, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat skills dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("skills path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Manifest
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		m, err := readManifest(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[m.Name]; ok {
			return nil, fmt.Errorf("duplicate skill name %q in %s (already in %s)", m.Name, path, prev)
		}
		seen[m.Name] = path
		out = append(out, m)
	}
	return out, nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, err
		}
		return Manifest{}, fmt.Errorf("read skill %q: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse skill %q: %w", path, err)
	}
	m.Name = strings.TrimSpace(m.Name)
	m.Entry = strings.TrimSpace(m.Entry)
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("parse skill %q: missing name", path)
	}
	if m.Entry == "" {
		return Manifest{}, fmt.Errorf("parse skill %q: missing entry", path)
	}
	if m.Runtime == "" {
		m.Runtime = runtimeFromEntry(m.Entry)
	}
	switch m.Runtime {
	case RuntimeNode, RuntimePython, RuntimeExec:
	default:
		return Manifest{}, fmt.Errorf("parse skill %q: unknown runtime %q", path, m.Runtime)
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}

func runtimeFromEntry(entry string) string {
	switch strings.ToLower(filepath.Ext(entry)) {
	case ".js", ".mjs", ".cjs":
		return RuntimeNode
	case ".py":
		return RuntimePython
	default:
		return RuntimeExec
	}
}

// Records converts a manifest to its storage rows. The entry path is made
// absolute against the manifest directory.
func (m Manifest) Records() (*db.Skill, []db.SkillTool, error) {
	entry := m.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(m.Dir, entry)
	}
	abs, err := filepath.Abs(entry)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve entry of skill %s: %w", m.Name, err)
	}
	sk := &db.Skill{
		Name:        m.Name,
		Description: strings.TrimSpace(m.Description),
		Runtime:     m.Runtime,
		EntryPath:   abs,
		Config:      db.JSONMap(m.Config),
	}
	tools := make([]db.SkillTool, 0, len(m.Tools))
	for _, t := range m.Tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		tools = append(tools, db.SkillTool{
			Name:        strings.TrimSpace(t.Name),
			Description: strings.TrimSpace(t.Description),
			Parameters:  db.JSONMap(params),
		})
	}
	return sk, tools, nil
}

// SyncStore receives synced skills.
type SyncStore interface {
	UpsertSkill(ctx context.Context, sk *db.Skill, tools []db.SkillTool) error
}

// Sync loads every manifest under dir and upserts it. It returns the synced
// skills.
func Sync(ctx context.Context, s SyncStore, dir string, logger *slog.Logger) ([]db.Skill, error) {
	manifests, err := LoadManifests(dir)
	if err != nil {
		return nil, err
	}
	out := make([]db.Skill, 0, len(manifests))
	for _, m := range manifests {
		sk, tools, err := m.Records()
		if err != nil {
			return out, err
		}
		if err := s.UpsertSkill(ctx, sk, tools); err != nil {
			return out, fmt.Errorf("sync skill %s: %w", m.Name, err)
		}
		if logger != nil {
			logger.Info("Skill synced", "skill", sk.Name, "skillID", sk.ID, "tools", len(tools))
		}
		out = append(out, *sk)
	}
	return out, nil
}
