package projects

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// VarsFile is the parsed and raw content of a project's variables file
type VarsFile struct {
	Content map[string]any `json:"content"`
	Raw     string         `json:"raw"`
}

// InventoryFile is the parsed and raw content of a project's inventory
type InventoryFile struct {
	Path    string                     `json:"path"`
	Content map[string][]InventoryHost `json:"content"`
	Raw     string                     `json:"raw"`
}

// ReadVariables reads vars.yml (or variables.yml)
func (c *Catalog) ReadVariables(project string) (*VarsFile, error) {
	dir, err := c.join(project)
	if err != nil {
		return nil, err
	}
	path := firstExisting(dir, varsFiles)
	if path == "" {
		return nil, fmt.Errorf("vars file for %s: %w", project, ErrNotFound)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	content := map[string]any{}
	if err := yaml.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if content == nil {
		content = map[string]any{}
	}

	return &VarsFile{Content: content, Raw: string(raw)}, nil
}

// WriteVariables replaces vars.yml with the YAML encoding of vars
func (c *Catalog) WriteVariables(project string, vars map[string]any) error {
	data, err := yaml.Marshal(vars)
	if err != nil {
		return fmt.Errorf("encoding variables: %w", err)
	}
	return c.WriteVariablesRaw(project, string(data))
}

// WriteVariablesRaw replaces vars.yml with raw text
func (c *Catalog) WriteVariablesRaw(project, raw string) error {
	dir, err := c.projectDir(project)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, varsFiles[0]), []byte(raw), 0644); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// ReadInventory returns the raw inventory (inventory.ini or hosts)
func (c *Catalog) ReadInventory(project string) (*InventoryFile, error) {
	dir, err := c.join(project)
	if err != nil {
		return nil, err
	}
	path := firstExisting(dir, inventoryFiles)
	if path == "" {
		return nil, fmt.Errorf("inventory file for %s: %w", project, ErrNotFound)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &InventoryFile{Path: path, Content: ParseInventory(string(raw)), Raw: string(raw)}, nil
}

// WriteInventoryGroups replaces inventory.ini with the rendered groups
func (c *Catalog) WriteInventoryGroups(project string, groups map[string][]InventoryHost) error {
	return c.WriteInventory(project, FormatInventory(groups))
}

// WriteInventory replaces inventory.ini with raw text
func (c *Catalog) WriteInventory(project, raw string) error {
	dir, err := c.projectDir(project)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, inventoryFiles[0]), []byte(raw), 0644); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// projectDir resolves an existing project directory
func (c *Catalog) projectDir(project string) (string, error) {
	dir, err := c.join(project)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("project %s: %w", project, ErrNotFound)
		}
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project %s: %w", project, ErrNotFound)
	}
	return dir, nil
}
