package lsp

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// ServerConfig defines how to spawn and recognize one language's server.
type ServerConfig struct {
	Language    string          `yaml:"language"`
	Command     string          `yaml:"command"`
	Args        []string        `yaml:"args"`
	Markers     []string        `yaml:"markers"`    // project marker files, e.g. Cargo.toml
	Extensions  []string        `yaml:"extensions"` // file extensions, e.g. .rs
	InitOptions json.RawMessage `yaml:"init_options"`
}

// BuiltinServers returns the stock registry of known language servers.
func BuiltinServers() map[string]ServerConfig {
	return map[string]ServerConfig{
		"go": {
			Language:   "go",
			Command:    "gopls",
			Args:       []string{"serve"},
			Markers:    []string{"go.mod", "go.work"},
			Extensions: []string{".go"},
		},
		"rust": {
			Language:   "rust",
			Command:    "rust-analyzer",
			Markers:    []string{"Cargo.toml"},
			Extensions: []string{".rs"},
		},
		"python": {
			Language:   "python",
			Command:    "pylsp",
			Markers:    []string{"pyproject.toml", "setup.py", "requirements.txt"},
			Extensions: []string{".py"},
			InitOptions: json.RawMessage(`{"pylsp":{"plugins":{"pycodestyle":{"enabled":true},"pyflakes":{"enabled":true},"pylint":{"enabled":false}}}}`),
		},
		"java": {
			Language:    "java",
			Command:     "jdtls",
			Markers:     []string{"pom.xml", "build.gradle", "build.gradle.kts"},
			Extensions:  []string{".java"},
			InitOptions: json.RawMessage(`{"settings":{"java":{"format":{"enabled":true}}}}`),
		},
		"typescript": {
			Language:   "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Markers:    []string{"package.json", "tsconfig.json"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx"},
		},
	}
}

// AutoDetectServers filters the builtin registry down to servers whose
// binaries are actually on PATH.
func AutoDetectServers() map[string]ServerConfig {
	available := make(map[string]ServerConfig)
	for lang, cfg := range BuiltinServers() {
		if _, err := exec.LookPath(cfg.Command); err == nil {
			available[lang] = cfg
		}
	}
	return available
}

// Project is one detected project root.
type Project struct {
	Key    ProjectKey
	Marker string // the file that identified it
}

// Detector maps files to project roots by marker-file lookup, bounded by a
// configured root directory.
type Detector struct {
	root     string
	registry map[string]ServerConfig
}

// NewDetector creates a detector confined to root. A nil registry means the
// builtin one.
func NewDetector(root string, registry map[string]ServerConfig) *Detector {
	if registry == nil {
		registry = BuiltinServers()
	}
	abs, err := filepath.Abs(root)
	if err == nil {
		root = abs
	}
	return &Detector{root: root, registry: registry}
}

// Registry exposes the server configuration table.
func (d *Detector) Registry() map[string]ServerConfig {
	return d.registry
}

// LanguageForFile picks a language by file extension, or "".
func (d *Detector) LanguageForFile(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	for lang, cfg := range d.registry {
		for _, e := range cfg.Extensions {
			if e == ext {
				return lang
			}
		}
	}
	return ""
}

// ProjectForFile walks from the file's directory up to the detector root
// looking for the language's project markers. The nearest marker wins.
func (d *Detector) ProjectForFile(path string) (ProjectKey, ServerConfig, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ProjectKey{}, ServerConfig{}, fmt.Errorf("resolve path: %w", err)
	}

	lang := d.LanguageForFile(abs)
	if lang == "" {
		return ProjectKey{}, ServerConfig{}, fmt.Errorf("%w: %s", ErrNoServer, path)
	}
	cfg := d.registry[lang]

	dir := filepath.Dir(abs)
	for {
		for _, marker := range cfg.Markers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return ProjectKey{Root: dir, Language: lang}, cfg, nil
			}
		}
		if dir == d.root || dir == filepath.Dir(dir) {
			break
		}
		parent := filepath.Dir(dir)
		if !strings.HasPrefix(parent, d.root) {
			break
		}
		dir = parent
	}
	return ProjectKey{}, ServerConfig{}, fmt.Errorf("%w: %s", ErrNoProject, path)
}

// maxScanDepth bounds the downward project scan.
const maxScanDepth = 10

// AllProjects scans downward from the root for every marker file, yielding
// one project per (root, language), sorted by path for stable output.
func (d *Detector) AllProjects() ([]Project, error) {
	seen := make(map[ProjectKey]Project)

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep going
		}
		if entry.IsDir() {
			name := entry.Name()
			if path != d.root && (name == ".git" || name == ".cache" || name == "node_modules" || name == "target" || name == "vendor") {
				return filepath.SkipDir
			}
			rel, err := filepath.Rel(d.root, path)
			if err == nil && strings.Count(rel, string(filepath.Separator)) >= maxScanDepth {
				return filepath.SkipDir
			}
			return nil
		}

		name := entry.Name()
		for lang, cfg := range d.registry {
			for _, marker := range cfg.Markers {
				if name == marker {
					key := ProjectKey{Root: filepath.Dir(path), Language: lang}
					if _, ok := seen[key]; !ok {
						seen[key] = Project{Key: key, Marker: marker}
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan projects: %w", err)
	}

	projects := make([]Project, 0, len(seen))
	for _, p := range seen {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Key.Root != projects[j].Key.Root {
			return projects[i].Key.Root < projects[j].Key.Root
		}
		return projects[i].Key.Language < projects[j].Key.Language
	})
	return projects, nil
}
