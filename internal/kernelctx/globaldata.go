package kernelctx

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ProjectData is one project's entry in the global data file.
type ProjectData struct {
	History      []string  `json:"history,omitempty"`
	LastAccessed time.Time `json:"lastAccessed"`
}

// GlobalData is the single data.json at the global config dir, keyed by
// project cwd. Access is serialized in-process.
type GlobalData struct {
	mu   sync.Mutex
	path string
}

// NewGlobalData points at the data file; nothing is read until first use.
func NewGlobalData(path string) *GlobalData {
	return &GlobalData{path: path}
}

func (g *GlobalData) load() (map[string]ProjectData, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ProjectData{}, nil
		}
		return nil, fmt.Errorf("global data read: %w", err)
	}
	var out map[string]ProjectData
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("global data parse: %w", err)
	}
	if out == nil {
		out = map[string]ProjectData{}
	}
	return out, nil
}

func (g *GlobalData) save(all map[string]ProjectData) error {
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("global data marshal: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0o640); err != nil {
		return fmt.Errorf("global data write: %w", err)
	}
	return nil
}

// Project returns one project's data (zero value when absent).
func (g *GlobalData) Project(cwd string) (ProjectData, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	all, err := g.load()
	if err != nil {
		return ProjectData{}, err
	}
	return all[cwd], nil
}

// RecordPrompt appends a prompt to a project's history and bumps its
// lastAccessed stamp.
func (g *GlobalData) RecordPrompt(cwd, prompt string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	all, err := g.load()
	if err != nil {
		return err
	}
	p := all[cwd]
	p.History = append(p.History, prompt)
	p.LastAccessed = time.Now().UTC()
	all[cwd] = p
	return g.save(all)
}

// Touch bumps a project's lastAccessed stamp without recording a prompt.
func (g *GlobalData) Touch(cwd string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	all, err := g.load()
	if err != nil {
		return err
	}
	p := all[cwd]
	p.LastAccessed = time.Now().UTC()
	all[cwd] = p
	return g.save(all)
}
