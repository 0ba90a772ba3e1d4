package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
)

const indexStorageKey = "checkpoints:index"

func checkpointStorageKey(id string) string {
	return "checkpoint:" + id
}

// indexEntry is the lightweight record kept in the index so List/getStats
// don't need to load every full checkpoint body.
type indexEntry struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	State     string    `json:"state"`
	Status    Status    `json:"status"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"createdAt"`
}

// Config bounds per-session retention.
type Config struct {
	MaxCheckpointsPerSession int
}

// Service persists WorkflowCheckpoints through a StorageAdapter, keeping a
// JSON index alongside the full bodies so list/filter operations don't
// require scanning every stored key.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	storage collaborators.StorageAdapter
	index   map[string]indexEntry // loaded lazily, keyed by checkpoint id
	loaded  bool
	logger  *logger.Logger

	nextSeq int
}

// New creates a checkpoint Service backed by storage.
func New(cfg Config, storage collaborators.StorageAdapter) *Service {
	return &Service{
		cfg:     cfg,
		storage: storage,
		index:   map[string]indexEntry{},
		logger:  logger.Default().WithFields(zap.String("component", "checkpoint")),
	}
}

func (s *Service) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	data, found, err := s.storage.GetItem(indexStorageKey)
	if err != nil || !found {
		return
	}
	var entries []indexEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		s.logger.Warn("failed to decode checkpoint index, starting fresh", zap.Error(err))
		return
	}
	for _, e := range entries {
		s.index[e.ID] = e
	}
}

func (s *Service) persistIndexLocked() {
	entries := make([]indexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.logger.Warn("failed to encode checkpoint index", zap.Error(err))
		return
	}
	if err := s.storage.SetItem(indexStorageKey, string(data)); err != nil {
		s.logger.Warn("failed to persist checkpoint index", zap.Error(err))
	}
}

func (s *Service) nextID(sessionID string) string {
	s.nextSeq++
	return fmt.Sprintf("ckpt_%s_%d_%d", sessionID, time.Now().UnixNano(), s.nextSeq)
}

// CreateCheckpointFromWorkflow snapshots the given state and returns the
// stored, immutable checkpoint.
func (s *Service) CreateCheckpointFromWorkflow(ctx context.Context, sessionID string, state WorkflowStateSnapshot, snapshotCtx WorkflowContextSnapshot, artifactRefs, agentRefs []string, opts CreateOptions) (WorkflowCheckpoint, error) {
	s.mu.Lock()
	s.ensureLoadedLocked()

	id := s.nextID(sessionID)
	ckpt := WorkflowCheckpoint{
		ID:              id,
		SessionID:       sessionID,
		Name:            opts.Name,
		WorkflowState:   state,
		ContextSnapshot: snapshotCtx,
		ArtifactRefs:    append([]string(nil), artifactRefs...),
		AgentRefs:       append([]string(nil), agentRefs...),
		CreatedAt:       time.Now(),
		ExpiresAt:       opts.ExpiresAt,
		Tags:            append([]string(nil), opts.Tags...),
		Metadata:        opts.Metadata,
		Status:          StatusActive,
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		s.mu.Unlock()
		return WorkflowCheckpoint{}, apperrors.InternalError("failed to encode checkpoint", err)
	}
	if err := s.storage.SetItem(checkpointStorageKey(id), string(data)); err != nil {
		s.mu.Unlock()
		return WorkflowCheckpoint{}, apperrors.InternalError("failed to persist checkpoint", err)
	}

	s.index[id] = indexEntry{ID: id, SessionID: sessionID, State: state.State, Status: StatusActive, Tags: ckpt.Tags, CreatedAt: ckpt.CreatedAt}
	s.persistIndexLocked()
	s.mu.Unlock()

	s.enforceRetention(ctx, sessionID)
	return ckpt, nil
}

// enforceRetention deletes the oldest checkpoints for sessionID, of any
// status, beyond cfg.MaxCheckpointsPerSession, best-effort.
func (s *Service) enforceRetention(ctx context.Context, sessionID string) {
	if s.cfg.MaxCheckpointsPerSession <= 0 {
		return
	}
	s.mu.Lock()
	entries := s.sessionEntriesLocked(sessionID)
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if len(entries) <= s.cfg.MaxCheckpointsPerSession {
		return
	}
	for _, e := range entries[s.cfg.MaxCheckpointsPerSession:] {
		if err := s.Delete(ctx, e.ID); err != nil {
			s.logger.Warn("failed to enforce checkpoint retention", zap.String("checkpoint_id", e.ID), zap.Error(err))
		}
	}
}

func (s *Service) sessionEntriesLocked(sessionID string) []indexEntry {
	out := make([]indexEntry, 0)
	for _, e := range s.index {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) loadCheckpoint(id string) (WorkflowCheckpoint, bool, error) {
	data, found, err := s.storage.GetItem(checkpointStorageKey(id))
	if err != nil || !found {
		return WorkflowCheckpoint{}, false, err
	}
	var ckpt WorkflowCheckpoint
	if err := json.Unmarshal([]byte(data), &ckpt); err != nil {
		return WorkflowCheckpoint{}, false, err
	}
	return ckpt, true, nil
}

// GetLatest returns the most recently created active checkpoint for a
// session.
func (s *Service) GetLatest(sessionID string) (WorkflowCheckpoint, bool, error) {
	s.mu.Lock()
	s.ensureLoadedLocked()
	entries := s.sessionEntriesLocked(sessionID)
	s.mu.Unlock()

	var latest *indexEntry
	for i := range entries {
		if entries[i].Status != StatusActive {
			continue
		}
		if latest == nil || entries[i].CreatedAt.After(latest.CreatedAt) {
			latest = &entries[i]
		}
	}
	if latest == nil {
		return WorkflowCheckpoint{}, false, nil
	}
	return s.loadCheckpoint(latest.ID)
}

// GetCheckpointsForState returns every checkpoint taken for sessionID while
// the WSM was in the given state.
func (s *Service) GetCheckpointsForState(sessionID, state string) ([]WorkflowCheckpoint, error) {
	return s.List(ListOptions{SessionID: sessionID, State: state})
}

// List filters and paginates stored checkpoints, newest first unless
// SortAscending is set.
func (s *Service) List(opts ListOptions) ([]WorkflowCheckpoint, error) {
	s.mu.Lock()
	s.ensureLoadedLocked()
	entries := make([]indexEntry, 0, len(s.index))
	for _, e := range s.index {
		if opts.SessionID != "" && e.SessionID != opts.SessionID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		if opts.State != "" && e.State != opts.State {
			continue
		}
		if len(opts.Tags) > 0 && !hasAnyTag(e.Tags, opts.Tags) {
			continue
		}
		entries = append(entries, e)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if opts.SortAscending {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			entries = nil
		} else {
			entries = entries[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}

	out := make([]WorkflowCheckpoint, 0, len(entries))
	for _, e := range entries {
		ckpt, found, err := s.loadCheckpoint(e.ID)
		if err != nil || !found {
			continue
		}
		out = append(out, ckpt)
	}
	return out, nil
}

func hasAnyTag(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; ok {
			return true
		}
	}
	return false
}

// Restore loads a checkpoint and marks it restored, returning a value the
// caller applies selectively per opts; it never reaches into the WSM.
func (s *Service) Restore(id string, opts RestoreOptions) (WorkflowCheckpoint, error) {
	ckpt, found, err := s.loadCheckpoint(id)
	if err != nil {
		return WorkflowCheckpoint{}, apperrors.InternalError("failed to load checkpoint", err)
	}
	if !found {
		return WorkflowCheckpoint{}, apperrors.NotFound("checkpoint", id)
	}

	stored := ckpt
	stored.Status = StatusRestored

	if !opts.RestoreArtifacts {
		ckpt.ArtifactRefs = nil
	}
	if !opts.RestoreAgents {
		ckpt.AgentRefs = nil
	}
	if !opts.RestoreContext {
		ckpt.ContextSnapshot = WorkflowContextSnapshot{}
	}
	if !opts.RestoreHistory {
		ckpt.WorkflowState.History = nil
	}

	s.mu.Lock()
	s.ensureLoadedLocked()
	if entry, ok := s.index[id]; ok {
		entry.Status = StatusRestored
		s.index[id] = entry
		s.persistIndexLocked()
	}
	s.mu.Unlock()

	ckpt.Status = StatusRestored
	if data, err := json.Marshal(stored); err == nil {
		_ = s.storage.SetItem(checkpointStorageKey(id), string(data))
	}
	return ckpt, nil
}

// Delete removes a checkpoint from storage and the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.ensureLoadedLocked()
	delete(s.index, id)
	s.persistIndexLocked()
	s.mu.Unlock()
	return s.storage.RemoveItem(checkpointStorageKey(id))
}

// Cleanup removes checkpoints matching opts, or reports what it would
// remove when DryRun is set.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	s.mu.Lock()
	s.ensureLoadedLocked()
	entries := make([]indexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	statusSet := map[Status]struct{}{}
	for _, st := range opts.Statuses {
		statusSet[st] = struct{}{}
	}
	cutoff := time.Now().Add(-opts.OlderThan)

	result := CleanupResult{Examined: len(entries)}
	bySession := map[string][]indexEntry{}
	for _, e := range entries {
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	toRemove := map[string]struct{}{}
	for _, e := range entries {
		eligible := false
		if opts.OlderThan > 0 && e.CreatedAt.Before(cutoff) {
			eligible = true
		}
		if len(statusSet) > 0 {
			if _, ok := statusSet[e.Status]; ok {
				eligible = true
			} else {
				eligible = false
			}
		}
		if eligible {
			toRemove[e.ID] = struct{}{}
		}
	}
	if opts.MaxPerSession > 0 {
		for _, sessionEntries := range bySession {
			sort.Slice(sessionEntries, func(i, j int) bool { return sessionEntries[i].CreatedAt.After(sessionEntries[j].CreatedAt) })
			if len(sessionEntries) > opts.MaxPerSession {
				for _, e := range sessionEntries[opts.MaxPerSession:] {
					toRemove[e.ID] = struct{}{}
				}
			}
		}
	}

	for id := range toRemove {
		result.RemovedIDs = append(result.RemovedIDs, id)
	}
	result.Removed = len(result.RemovedIDs)

	if opts.DryRun {
		return result, nil
	}
	for id := range toRemove {
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to delete checkpoint during cleanup", zap.String("checkpoint_id", id), zap.Error(err))
		}
	}
	return result, nil
}

// GetStats summarises the checkpoint store.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	s.ensureLoadedLocked()
	entries := make([]indexEntry, 0, len(s.index))
	for _, e := range s.index {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	stats := Stats{Total: len(entries), ByStatus: map[Status]int{}, BySession: map[string]int{}}
	for _, e := range entries {
		stats.ByStatus[e.Status]++
		stats.BySession[e.SessionID]++
		if stats.OldestAt == nil || e.CreatedAt.Before(*stats.OldestAt) {
			t := e.CreatedAt
			stats.OldestAt = &t
		}
		if stats.NewestAt == nil || e.CreatedAt.After(*stats.NewestAt) {
			t := e.CreatedAt
			stats.NewestAt = &t
		}
	}
	return stats
}
