// Package sync persists per-source synchronisation progress between runs.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status describes what the indexer is doing with a source
type Status string

const (
	StatusIdle       Status = "idle"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// SourceState represents the sync state for a single source
type SourceState struct {
	SourceKey        string    `json:"sourceKey"`
	ContentType      string    `json:"contentType"`
	IndexName        string    `json:"indexName"`
	TimestampField   string    `json:"timestampField"`
	IDField          string    `json:"idField"`
	LastPollTime     time.Time `json:"lastPollTime"`
	LastSyncTime     time.Time `json:"lastSyncTime"`
	DocumentsIndexed int64     `json:"documentsIndexed"`
	Status           Status    `json:"status"`
	LastError        string    `json:"lastError,omitempty"`
}

// State is the on-disk representation of every source
type State struct {
	Sources   map[string]*SourceState `json:"sources"`
	LastSaved time.Time               `json:"lastSaved"`
}

// StateManager handles loading and saving sync state
type StateManager struct {
	filePath string
	logger   *slog.Logger
	state    *State
	mutex    sync.RWMutex
}

// NewStateManager creates a new sync state manager
func NewStateManager(filePath string, logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateManager{
		filePath: filePath,
		logger:   logger,
		state: &State{
			Sources: make(map[string]*SourceState),
		},
	}
}

// Load loads the sync state from disk. A missing file is not an error.
func (sm *StateManager) Load() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	data, err := os.ReadFile(sm.filePath)
	if errors.Is(err, os.ErrNotExist) {
		sm.logger.Info("sync state file not found, starting fresh", "path", sm.filePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read sync state file: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("failed to parse sync state file: %w", err)
	}
	if state.Sources == nil {
		state.Sources = make(map[string]*SourceState)
	}
	sm.state = state

	sm.logger.Info("sync state loaded", "sources", len(state.Sources), "path", sm.filePath)
	return nil
}

// Save writes the current state to disk via a temporary file and rename
func (sm *StateManager) Save() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.state.LastSaved = time.Now()

	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sync state: %w", err)
	}

	if dir := filepath.Dir(sm.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create sync state directory: %w", err)
		}
	}

	tempFile := sm.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp sync state file: %w", err)
	}

	if err := os.Rename(tempFile, sm.filePath); err != nil {
		return fmt.Errorf("failed to move sync state file: %w", err)
	}

	return nil
}

// Get returns a copy of the state for a source
func (sm *StateManager) Get(sourceKey string) (SourceState, bool) {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	if state, exists := sm.state.Sources[sourceKey]; exists {
		return *state, true
	}
	return SourceState{}, false
}

// Put replaces the state for a source
func (sm *StateManager) Put(sourceKey string, state SourceState) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state.SourceKey = sourceKey
	sm.state.Sources[sourceKey] = &state
}

// Describe records which content type, index and fields a source is synced with
func (sm *StateManager) Describe(sourceKey, contentType, indexName, timestampField, idField string) {
	sm.update(sourceKey, func(s *SourceState) {
		s.ContentType = contentType
		s.IndexName = indexName
		s.TimestampField = timestampField
		s.IDField = idField
	})
}

// SetLastPollTime updates the high-water mark for a source
func (sm *StateManager) SetLastPollTime(sourceKey string, pollTime time.Time) {
	sm.update(sourceKey, func(s *SourceState) { s.LastPollTime = pollTime })
}

// SetLastSyncTime records when a source last finished a sync
func (sm *StateManager) SetLastSyncTime(sourceKey string, syncTime time.Time) {
	sm.update(sourceKey, func(s *SourceState) { s.LastSyncTime = syncTime })
}

// IncrementDocumentsIndexed increments the documents indexed counter
func (sm *StateManager) IncrementDocumentsIndexed(sourceKey string, count int64) {
	sm.update(sourceKey, func(s *SourceState) { s.DocumentsIndexed += count })
}

// SetStatus records the sync status and, for failures, the error message
func (sm *StateManager) SetStatus(sourceKey string, status Status, cause error) {
	sm.update(sourceKey, func(s *SourceState) {
		s.Status = status
		s.LastError = ""
		if cause != nil {
			s.LastError = cause.Error()
		}
	})
}

func (sm *StateManager) update(sourceKey string, fn func(*SourceState)) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state, exists := sm.state.Sources[sourceKey]
	if !exists {
		state = &SourceState{SourceKey: sourceKey, Status: StatusIdle}
		sm.state.Sources[sourceKey] = state
	}
	fn(state)
}

// All returns a copy of every source state
func (sm *StateManager) All() map[string]SourceState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	result := make(map[string]SourceState, len(sm.state.Sources))
	for key, state := range sm.state.Sources {
		result[key] = *state
	}
	return result
}

// Remove drops a source that is no longer configured
func (sm *StateManager) Remove(sourceKey string) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	delete(sm.state.Sources, sourceKey)
}

// Prune removes every source not in keep
func (sm *StateManager) Prune(keep []string) []string {
	wanted := make(map[string]bool, len(keep))
	for _, k := range keep {
		wanted[k] = true
	}

	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	var removed []string
	for key := range sm.state.Sources {
		if !wanted[key] {
			delete(sm.state.Sources, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// RunPeriodicSave saves the state every interval until ctx is done, then
// saves once more
func (sm *StateManager) RunPeriodicSave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := sm.Save(); err != nil {
				sm.logger.Error("failed to save sync state", "error", err)
			}
		case <-ctx.Done():
			if err := sm.Save(); err != nil {
				sm.logger.Error("failed to save sync state on shutdown", "error", err)
			}
			return
		}
	}
}
