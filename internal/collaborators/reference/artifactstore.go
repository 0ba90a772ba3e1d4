package reference

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowforge/orchestrator-core/internal/collaborators"
)

type artifactRecord struct {
	id               string
	artifactType     string
	producerID       string
	producerRole     string
	fullContent      string
	status           string
	relatedArtifacts []string
}

// MemoryArtifactStore is an in-memory ArtifactStore. Summaries are derived
// by truncating fullContent; a production deployment would back this with
// content-addressed blob storage instead.
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]*artifactRecord
}

const summaryBriefLength = 240

// NewMemoryArtifactStore creates an empty artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: map[string]*artifactRecord{}}
}

func (s *MemoryArtifactStore) CreateArtifact(ctx context.Context, artifactType, producerID, producerRole, fullContent string, relatedArtifacts []string) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	s.artifacts[id] = &artifactRecord{
		id:               id,
		artifactType:     artifactType,
		producerID:       producerID,
		producerRole:     producerRole,
		fullContent:      fullContent,
		status:           "created",
		relatedArtifacts: relatedArtifacts,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryArtifactStore) GetArtifact(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.artifacts[id]
	if !ok {
		return "", fmt.Errorf("artifact %q not found", id)
	}
	return rec.fullContent, nil
}

func (s *MemoryArtifactStore) GetArtifactSummary(ctx context.Context, id string) (collaborators.ArtifactSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.artifacts[id]
	if !ok {
		return collaborators.ArtifactSummary{}, fmt.Errorf("artifact %q not found", id)
	}
	return toSummary(rec), nil
}

func (s *MemoryArtifactStore) UpdateArtifactStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %q not found", id)
	}
	rec.status = status
	return nil
}

func (s *MemoryArtifactStore) UpdateArtifactContent(ctx context.Context, id, fullContent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("artifact %q not found", id)
	}
	rec.fullContent = fullContent
	return nil
}

func (s *MemoryArtifactStore) GetAllSummaries(ctx context.Context) ([]collaborators.ArtifactSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]collaborators.ArtifactSummary, 0, len(s.artifacts))
	for _, rec := range s.artifacts {
		out = append(out, toSummary(rec))
	}
	return out, nil
}

func toSummary(rec *artifactRecord) collaborators.ArtifactSummary {
	brief := rec.fullContent
	if len(brief) > summaryBriefLength {
		brief = strings.TrimSpace(brief[:summaryBriefLength]) + "..."
	}
	return collaborators.ArtifactSummary{
		ID:           rec.id,
		Type:         rec.artifactType,
		Brief:        brief,
		Status:       rec.status,
		ProducerRole: rec.producerRole,
	}
}
