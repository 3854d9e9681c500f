package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgeloop/internal/logging"
)

// DocKind distinguishes the input and output half of a phase channel.
type DocKind string

const (
	DocRead  DocKind = "READ"  // input to the phase
	DocWrite DocKind = "WRITE" // output from the phase
)

// Strategic document filenames at the project root.
const (
	MasterPlanFile   = "MASTER_PLAN.md"
	ArchitectureFile = "ARCHITECTURE.md"
)

// ObjectiveFile returns the strategic objective filename for a level.
func ObjectiveFile(level string) string {
	return strings.ToUpper(level) + "_OBJECTIVES.md"
}

// Manager performs file-level operations on the IPC documents of one
// project. All writes are whole-file atomic (tmp + rename) but logically
// section-scoped.
type Manager struct {
	projectDir string
	ipcDir     string
}

// NewManager creates a manager for projectDir with the given ipc
// subdirectory (usually "ipc").
func NewManager(projectDir, ipcDir string) *Manager {
	return &Manager{projectDir: projectDir, ipcDir: filepath.Join(projectDir, ipcDir)}
}

// PhaseDocPath returns the path of a phase channel document.
func (m *Manager) PhaseDocPath(phase string, kind DocKind) string {
	name := fmt.Sprintf("%s_%s.md", strings.ToUpper(phase), kind)
	return filepath.Join(m.ipcDir, name)
}

// StrategicPath returns the path of a strategic document by filename.
func (m *Manager) StrategicPath(filename string) string {
	return filepath.Join(m.projectDir, filename)
}

// ReadPhaseDoc loads a phase channel document; a missing file yields an
// empty document so phases never fail on first use.
func (m *Manager) ReadPhaseDoc(phase string, kind DocKind) (*Document, error) {
	return m.readDoc(m.PhaseDocPath(phase, kind))
}

// ReadStrategic loads a strategic document by filename.
func (m *Manager) ReadStrategic(filename string) (*Document, error) {
	return m.readDoc(m.StrategicPath(filename))
}

func (m *Manager) readDoc(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return Parse(string(data)), nil
}

// UpdatePhaseSection replaces one section of a phase document. Returns
// whether the file changed.
func (m *Manager) UpdatePhaseSection(phase string, kind DocKind, heading, body string) (bool, error) {
	return m.updateSection(m.PhaseDocPath(phase, kind), heading, body, false)
}

// AppendPhaseSection appends to one section of a phase document.
func (m *Manager) AppendPhaseSection(phase string, kind DocKind, heading, body string) (bool, error) {
	return m.updateSection(m.PhaseDocPath(phase, kind), heading, body, true)
}

// UpdateStrategicSection replaces one section of a strategic document.
// The rest of the file, including front matter, is preserved.
func (m *Manager) UpdateStrategicSection(filename, heading, body string) (bool, error) {
	return m.updateSection(m.StrategicPath(filename), heading, body, false)
}

func (m *Manager) updateSection(path, heading, body string, appendMode bool) (bool, error) {
	doc, err := m.readDoc(path)
	if err != nil {
		return false, err
	}

	var changed bool
	if appendMode {
		changed = doc.AppendSection(heading, body)
	} else {
		changed = doc.SetSection(heading, body)
	}
	if !changed {
		logging.IPCDebug("section %q of %s unchanged, skipping write", heading, filepath.Base(path))
		return false, nil
	}

	if err := m.writeDoc(path, doc); err != nil {
		return false, err
	}
	logging.IPC("updated section %q of %s", heading, filepath.Base(path))
	return true, nil
}

// WritePhaseDoc overwrites an entire phase channel document. Phase
// channel docs (unlike strategic docs) may be rewritten whole, which the
// coordinator uses to clear a WRITE doc at session start.
func (m *Manager) WritePhaseDoc(phase string, kind DocKind, doc *Document) error {
	return m.writeDoc(m.PhaseDocPath(phase, kind), doc)
}

func (m *Manager) writeDoc(path string, doc *Document) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create ipc directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc.Render()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// EnsureStrategic writes a strategic document from template content only
// when the file does not exist yet.
func (m *Manager) EnsureStrategic(filename, content string) error {
	path := m.StrategicPath(filename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", filename, err)
	}
	logging.IPC("initialized %s from template", filename)
	return nil
}

// EnsurePhaseDocs creates empty READ/WRITE channel documents for every
// phase that does not have them yet.
func (m *Manager) EnsurePhaseDocs(phases []string) error {
	if err := os.MkdirAll(m.ipcDir, 0755); err != nil {
		return fmt.Errorf("failed to create ipc directory: %w", err)
	}
	for _, phase := range phases {
		for _, kind := range []DocKind{DocRead, DocWrite} {
			path := m.PhaseDocPath(phase, kind)
			if _, err := os.Stat(path); err == nil {
				continue
			}
			doc := PhaseDocTemplate(phase, kind)
			if err := m.writeDoc(path, doc); err != nil {
				return err
			}
		}
	}
	return nil
}
