package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgeloop/internal/logging"
)

// threadFile is the on-disk form of a thread.
type threadFile struct {
	Phase    string    `json:"phase"`
	Model    string    `json:"model"`
	SavedAt  time.Time `json:"saved_at"`
	Messages []Message `json:"messages"`
}

// Dir returns the conversation directory under a project.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, "state", "conversations")
}

func threadPath(projectDir, phase string) string {
	return filepath.Join(Dir(projectDir), phase+".json")
}

// Save persists the thread so a restart resumes with history intact.
func (t *Thread) Save(projectDir string) error {
	dir := Dir(projectDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create conversation directory: %w", err)
	}

	data, err := json.MarshalIndent(threadFile{
		Phase:    t.phase,
		Model:    t.model,
		SavedAt:  t.now(),
		Messages: t.messages,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}

	path := threadPath(projectDir, t.phase)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write thread: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace thread file: %w", err)
	}
	return nil
}

// Load restores a persisted thread, or returns a fresh one when no
// history exists. A corrupt history file is discarded with a warning
// rather than blocking the phase.
func Load(projectDir, phase, model string, policy Policy) *Thread {
	t := New(phase, model, policy)

	data, err := os.ReadFile(threadPath(projectDir, phase))
	if err != nil {
		return t
	}

	var tf threadFile
	if err := json.Unmarshal(data, &tf); err != nil {
		logging.ConversationWarn("discarding corrupt history for %s: %v", phase, err)
		return t
	}

	t.messages = tf.Messages
	logging.Conversation("restored %d messages for %s thread", len(t.messages), phase)
	return t
}
