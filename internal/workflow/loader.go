package workflow

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"machinist/internal/logging"
)

// Loader reads workflow documents and resolves file includes. Includes
// form a strict tree: a reference chain that revisits a file is
// rejected at load time, before anything executes.
type Loader struct {
	searchPath []string
}

// NewLoader builds a loader; searchPath lists directories consulted for
// workflow_ref includes, after the including file's own directory.
func NewLoader(searchPath []string) *Loader {
	return &Loader{searchPath: searchPath}
}

// Load reads, parses and validates a workflow file, resolving every
// workflow_ref include. YAML is the document syntax; JSON parses too,
// being a YAML subset.
func (l *Loader) Load(path string) (*Workflow, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workflow path: %w", err)
	}
	return l.load(abs, map[string]bool{})
}

// Parse decodes an in-memory workflow document. Includes are resolved
// against the search path only.
func (l *Loader) Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow: %w", err)
	}
	if err := l.resolveRefs(&wf, "", map[string]bool{}); err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (l *Loader) load(abs string, chain map[string]bool) (*Workflow, error) {
	if chain[abs] {
		return nil, fmt.Errorf("workflow include cycle through %s", abs)
	}
	chain[abs] = true
	defer delete(chain, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow: %w", err)
	}

	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow %s: %w", abs, err)
	}
	if err := l.resolveRefs(&wf, filepath.Dir(abs), chain); err != nil {
		return nil, err
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	logging.WorkflowDebug("loaded workflow %s (%d steps) from %s", wf.Name, len(wf.Steps), abs)
	return &wf, nil
}

func (l *Loader) resolveRefs(wf *Workflow, baseDir string, chain map[string]bool) error {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.WorkflowRef != "" {
			abs, err := l.find(step.WorkflowRef, baseDir)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.ID, err)
			}
			included, err := l.load(abs, chain)
			if err != nil {
				return fmt.Errorf("step %q: %w", step.ID, err)
			}
			step.Workflow = included
			step.WorkflowRef = ""
		}
		if step.Workflow != nil {
			if err := l.resolveRefs(step.Workflow, baseDir, chain); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) find(ref, baseDir string) (string, error) {
	if filepath.IsAbs(ref) {
		if _, err := os.Stat(ref); err == nil {
			return ref, nil
		}
		return "", fmt.Errorf("workflow reference %s not found", ref)
	}

	dirs := l.searchPath
	if baseDir != "" {
		dirs = append([]string{baseDir}, dirs...)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, ref)
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}
	return "", fmt.Errorf("workflow reference %s not found in search path", ref)
}
