// Package projects discovers playbook project folders and reads and writes
// their inventory and variable files.
package projects

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hochfrequenz/playbook-orchestrator/internal/domain"
)

var (
	// ErrInvalidPath is returned for names that would escape the projects root
	ErrInvalidPath = errors.New("invalid project path")
	// ErrNotFound is returned when a project file does not exist
	ErrNotFound = errors.New("not found")
)

var (
	inventoryFiles = []string{"inventory.ini", "hosts"}
	varsFiles      = []string{"vars.yml", "variables.yml"}
)

// Folder describes one project directory
type Folder struct {
	Name         string   `json:"name"`
	Path         string   `json:"path"`
	HasInventory bool     `json:"has_inventory"`
	HasVars      bool     `json:"has_vars"`
	HasPlaybooks bool     `json:"has_playbooks"`
	Playbooks    []string `json:"playbooks"`
}

// Catalog lists project folders under a root directory. The listing is
// cached until Invalidate is called (see Watcher).
type Catalog struct {
	root string

	mu     sync.Mutex
	cached []Folder
	valid  bool
}

// NewCatalog creates a catalog rooted at root
func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

// Root returns the projects root directory
func (c *Catalog) Root() string {
	return c.root
}

// Invalidate drops the cached folder listing
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.cached = nil
	c.mu.Unlock()
}

// Folders returns all project folders sorted by name. A missing root yields
// an empty list.
func (c *Catalog) Folders() ([]Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid {
		return append([]Folder(nil), c.cached...), nil
	}

	folders, err := c.scan()
	if err != nil {
		return nil, err
	}
	c.cached = folders
	c.valid = true
	return append([]Folder(nil), folders...), nil
}

func (c *Catalog) scan() ([]Folder, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Folder{}, nil
		}
		return nil, err
	}

	folders := []Folder{}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		dir := filepath.Join(c.root, e.Name())
		folder := Folder{
			Name:         e.Name(),
			Path:         dir,
			HasInventory: firstExisting(dir, inventoryFiles) != "",
			HasVars:      firstExisting(dir, varsFiles) != "",
			Playbooks:    []string{},
		}

		matches, _ := filepath.Glob(filepath.Join(dir, "*.yml"))
		for _, m := range matches {
			name := filepath.Base(m)
			if isVarsFile(name) {
				continue
			}
			folder.Playbooks = append(folder.Playbooks, name)
		}
		sort.Strings(folder.Playbooks)
		folder.HasPlaybooks = len(folder.Playbooks) > 0

		folders = append(folders, folder)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// Dir returns the directory of a project, rejecting names that escape the root
func (c *Catalog) Dir(project string) (string, error) {
	return c.join(project)
}

// Resolve turns collaborator identifiers into absolute paths. Existence is
// not checked: a missing file surfaces when the run is launched.
func (c *Catalog) Resolve(project, runnable, inventory string) (domain.RunTarget, error) {
	dir, err := c.join(project)
	if err != nil {
		return domain.RunTarget{}, err
	}
	runnablePath, err := within(dir, runnable)
	if err != nil {
		return domain.RunTarget{}, err
	}
	target := domain.RunTarget{Dir: dir, Runnable: runnablePath}
	if inventory != "" {
		if target.Inventory, err = within(dir, inventory); err != nil {
			return domain.RunTarget{}, err
		}
	}
	return target, nil
}

func (c *Catalog) join(project string) (string, error) {
	if project == "" || project == "." || strings.ContainsAny(project, `/\`) || project == ".." {
		return "", fmt.Errorf("%w: project %q", ErrInvalidPath, project)
	}
	return filepath.Join(c.root, project), nil
}

// within joins name onto dir and makes sure the result stays inside dir
func within(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty file name", ErrInvalidPath)
	}
	p := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, name)
	}
	return p, nil
}

func firstExisting(dir string, names []string) string {
	for _, n := range names {
		p := filepath.Join(dir, n)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func isVarsFile(name string) bool {
	for _, v := range varsFiles {
		if name == v {
			return true
		}
	}
	return false
}
