package reference

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
)

// MemoryFileLockService is a single-process in-memory FileLockService.
// Write locks are exclusive; read locks may stack.
type MemoryFileLockService struct {
	mu    sync.Mutex
	byID  map[string]collaborators.LockInfo
	byPath map[string][]string // filePath -> lockIDs

	listeners map[int]func(collaborators.LockEvent)
	nextID    int
}

// NewMemoryFileLockService creates an empty lock table.
func NewMemoryFileLockService() *MemoryFileLockService {
	return &MemoryFileLockService{
		byID:      map[string]collaborators.LockInfo{},
		byPath:    map[string][]string{},
		listeners: map[int]func(collaborators.LockEvent){},
	}
}

func (s *MemoryFileLockService) AcquireLock(ctx context.Context, req collaborators.AcquireLockRequest) (collaborators.LockInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byPath[req.FilePath]
	if req.Mode == collaborators.LockModeWrite && len(existing) > 0 {
		return collaborators.LockInfo{}, fmt.Errorf("file %q is already locked", req.FilePath)
	}
	if req.Mode == collaborators.LockModeRead {
		for _, id := range existing {
			if s.byID[id].Mode == collaborators.LockModeWrite {
				return collaborators.LockInfo{}, fmt.Errorf("file %q is write-locked", req.FilePath)
			}
		}
	}

	info := collaborators.LockInfo{
		LockID:      uuid.New().String(),
		FilePath:    req.FilePath,
		AgentID:     req.AgentID,
		Mode:        req.Mode,
		Description: req.Description,
	}
	s.byID[info.LockID] = info
	s.byPath[req.FilePath] = append(s.byPath[req.FilePath], info.LockID)

	s.emit(collaborators.LockEvent{Type: collaborators.LockEventAcquired, Lock: info})
	return info, nil
}

func (s *MemoryFileLockService) ReleaseLock(ctx context.Context, lockID string) error {
	s.mu.Lock()
	info, ok := s.byID[lockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown lock %q", lockID)
	}
	delete(s.byID, lockID)
	s.removePathEntryLocked(info.FilePath, lockID)
	s.mu.Unlock()

	s.emit(collaborators.LockEvent{Type: collaborators.LockEventReleased, Lock: info})
	return nil
}

func (s *MemoryFileLockService) removePathEntryLocked(path, lockID string) {
	ids := s.byPath[path]
	for i, id := range ids {
		if id == lockID {
			s.byPath[path] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byPath[path]) == 0 {
		delete(s.byPath, path)
	}
}

func (s *MemoryFileLockService) ReleaseAllLocksForAgent(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	var toRelease []collaborators.LockInfo
	for id, info := range s.byID {
		if info.AgentID == agentID {
			toRelease = append(toRelease, info)
			delete(s.byID, id)
			s.removePathEntryLocked(info.FilePath, id)
		}
	}
	s.mu.Unlock()

	for _, info := range toRelease {
		s.emit(collaborators.LockEvent{Type: collaborators.LockEventReleased, Lock: info})
	}
	return len(toRelease), nil
}

func (s *MemoryFileLockService) GetLocksForAgent(agentID string) []collaborators.LockInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []collaborators.LockInfo
	for _, info := range s.byID {
		if info.AgentID == agentID {
			out = append(out, info)
		}
	}
	return out
}

func (s *MemoryFileLockService) AgentHasLocks(agentID string) bool {
	return len(s.GetLocksForAgent(agentID)) > 0
}

func (s *MemoryFileLockService) GetLockStatus(filePath string) (collaborators.LockInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byPath[filePath]
	if len(ids) == 0 {
		return collaborators.LockInfo{}, false
	}
	return s.byID[ids[0]], true
}

func (s *MemoryFileLockService) Subscribe(handler func(collaborators.LockEvent)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = handler
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *MemoryFileLockService) emit(ev collaborators.LockEvent) {
	s.mu.Lock()
	listeners := make([]func(collaborators.LockEvent), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
