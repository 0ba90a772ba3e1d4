package contextwindow

import (
	"sort"
	"sync"
	"time"

	"github.com/flowforge/orchestrator-core/internal/common/apperrors"
	"github.com/flowforge/orchestrator-core/internal/common/logger"
	"go.uber.org/zap"
)

// Level is a usage bucket driven by configurable thresholds.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Thresholds are fractions of MaxTokens at which the level escalates.
type Thresholds struct {
	Warning  float64
	High     float64
	Critical float64
}

// DefaultThresholds matches the defaults: warning 60%, high 80%, critical 90%.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.60, High: 0.80, Critical: 0.90}
}

// Strategy is a compress() intensity.
type Strategy string

const (
	StrategyLight    Strategy = "light"
	StrategyModerate Strategy = "moderate"
	StrategyAggressive Strategy = "aggressive"
)

// compressionRatio is the fraction of tokenCount retained after a pass at a
// given strategy; items below a minimum are dropped outright (itemsRemoved).
var compressionRatio = map[Strategy]float64{
	StrategyLight:      0.85,
	StrategyModerate:   0.60,
	StrategyAggressive: 0.35,
}

const minTokensAfterCompression = 8

// CompressResult reports the outcome of a compress() pass.
type CompressResult struct {
	Performed       bool
	ItemsCompressed int
	ItemsRemoved    int
	TokensSaved     int
}

// ArchiveOptions constrains an archive() pass.
type ArchiveOptions struct {
	MaxItems       int
	OlderThan      int64 // unix nanos; zero means unset
	KeepMinPerType int
	BelowPriority  int // zero means unset; treated as "no ceiling" when unset
}

// ArchiveResult reports the outcome of an archive() pass.
type ArchiveResult struct {
	Performed    bool
	ItemsArchived int
	TokensSaved   int
	ArtifactIDs   []string
}

// RecommendedAction is the monitor's self-assessment of what should happen
// next, consumed by the orchestrator façade.
type RecommendedAction struct {
	Action   string // "none", "compress", "archive"
	Strategy Strategy
}

// Event names emitted by the monitor.
const (
	EventWarning              = "warning"
	EventCritical             = "critical"
	EventLimitExceeded        = "limit_exceeded"
	EventCompressionPerformed = "compression_performed"
	EventArchivalPerformed    = "archival_performed"
)

// Event carries whatever payload is relevant to its name.
type Event struct {
	Name    string
	Level   Level
	Totals  Totals
	Compress *CompressResult
	Archive  *ArchiveResult
}

// Listener observes Monitor events.
type Listener func(Event)

// Totals summarizes current accounting.
type Totals struct {
	TotalTokens int
	ItemCount   int
	Level       Level
}

// Monitor maintains the bounded set of ContextItems for one session.
type Monitor struct {
	mu sync.Mutex

	maxTokens  int
	thresholds Thresholds

	items     map[string]Item
	order     []string // insertion order, for oldest-first tie-breaks
	lastLevel Level

	listeners map[int]Listener
	nextID    int

	logger *logger.Logger
}

// New creates a Monitor bounded by maxTokens.
func New(maxTokens int, thresholds Thresholds) *Monitor {
	return &Monitor{
		maxTokens:  maxTokens,
		thresholds: thresholds,
		items:      map[string]Item{},
		listeners:  map[int]Listener{},
		lastLevel:  LevelNormal,
		logger:     logger.Default().WithFields(zap.String("component", "contextwindow")),
	}
}

// OnEvent subscribes to monitor events; call the returned func to unsubscribe.
func (m *Monitor) OnEvent(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) emit(ev Event) {
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	for _, l := range listeners {
		l(ev)
	}
}

// AddItem inserts or replaces an item by ID, enforcing the protected-type
// invariant.
func (m *Monitor) AddItem(item Item) {
	m.mu.Lock()
	item = normalize(item)
	if _, exists := m.items[item.ID]; !exists {
		m.order = append(m.order, item.ID)
	}
	m.items[item.ID] = item
	m.mu.Unlock()

	m.checkThresholdsAndNotify()
}

// UpdateItemTokens changes an item's tokenCount.
func (m *Monitor) UpdateItemTokens(id string, tokenCount int) error {
	m.mu.Lock()
	item, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("context item", id)
	}
	item.TokenCount = tokenCount
	m.items[id] = item
	m.mu.Unlock()

	m.checkThresholdsAndNotify()
	return nil
}

// TouchItem refreshes an item's lastAccessedAt, given by the caller so tests
// remain deterministic.
func (m *Monitor) TouchItem(id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return apperrors.NotFound("context item", id)
	}
	item.LastAccessedAt = time.Unix(0, at)
	m.items[id] = item
	return nil
}

// RemoveItem drops an item unconditionally.
func (m *Monitor) RemoveItem(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	m.removeFromOrderLocked(id)
}

func (m *Monitor) removeFromOrderLocked(id string) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// GetItemsByType returns every item of the given type, insertion order.
func (m *Monitor) GetItemsByType(t ItemType) []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Item, 0)
	for _, id := range m.order {
		item := m.items[id]
		if item.Type == t {
			out = append(out, item)
		}
	}
	return out
}

// Clear removes every item.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[string]Item{}
	m.order = nil
}

// GetTotals returns current token accounting and level.
func (m *Monitor) GetTotals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalsLocked()
}

func (m *Monitor) totalsLocked() Totals {
	total := 0
	for _, item := range m.items {
		total += item.TokenCount
	}
	return Totals{TotalTokens: total, ItemCount: len(m.items), Level: levelFor(total, m.maxTokens, m.thresholds)}
}

func levelFor(total, maxTokens int, t Thresholds) Level {
	if maxTokens <= 0 {
		return LevelNormal
	}
	ratio := float64(total) / float64(maxTokens)
	switch {
	case ratio >= t.Critical:
		return LevelCritical
	case ratio >= t.High:
		return LevelHigh
	case ratio >= t.Warning:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// checkThresholdsAndNotify recomputes the level after a mutation and fires
// warning/critical/limit_exceeded as the level crosses a boundary upward.
func (m *Monitor) checkThresholdsAndNotify() {
	m.mu.Lock()
	totals := m.totalsLocked()
	prev := m.lastLevel
	m.lastLevel = totals.Level
	m.mu.Unlock()

	if totals.TotalTokens > m.maxTokens && m.maxTokens > 0 {
		m.emit(Event{Name: EventLimitExceeded, Level: totals.Level, Totals: totals})
	}
	if totals.Level != LevelNormal && prev == LevelNormal {
		m.emit(Event{Name: EventWarning, Level: totals.Level, Totals: totals})
	}
	if totals.Level == LevelCritical && prev != LevelCritical {
		m.emit(Event{Name: EventCritical, Level: totals.Level, Totals: totals})
	}
}

// Compress reduces tokenCount of compressible items per strategy.
func (m *Monitor) Compress(strategy Strategy) CompressResult {
	ratio, ok := compressionRatio[strategy]
	if !ok {
		return CompressResult{}
	}

	m.mu.Lock()
	result := CompressResult{}
	for id, item := range m.items {
		if !item.Compressible {
			continue
		}
		before := item.TokenCount
		after := int(float64(before) * ratio)
		if after < minTokensAfterCompression {
			delete(m.items, id)
			m.removeFromOrderLocked(id)
			result.ItemsRemoved++
			result.TokensSaved += before
			continue
		}
		item.TokenCount = after
		m.items[id] = item
		result.ItemsCompressed++
		result.TokensSaved += before - after
	}
	result.Performed = result.ItemsCompressed > 0 || result.ItemsRemoved > 0
	totals := m.totalsLocked()
	m.mu.Unlock()

	if result.Performed {
		m.emit(Event{Name: EventCompressionPerformed, Level: totals.Level, Totals: totals, Compress: &result})
	}
	return result
}

// Archive removes archivable items, lowest priority then oldest first,
// honouring maxItems/olderThan/keepMinPerType/belowPriority.
func (m *Monitor) Archive(opts ArchiveOptions) ArchiveResult {
	m.mu.Lock()

	candidates := make([]Item, 0)
	for _, id := range m.order {
		item := m.items[id]
		if !item.Archivable {
			continue
		}
		if opts.OlderThan != 0 && item.LastAccessedAt.UnixNano() >= opts.OlderThan {
			continue
		}
		if opts.BelowPriority != 0 && item.Priority >= opts.BelowPriority {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	typeCounts := map[ItemType]int{}
	for _, item := range m.items {
		typeCounts[item.Type]++
	}

	result := ArchiveResult{ArtifactIDs: []string{}}
	for _, item := range candidates {
		if opts.MaxItems > 0 && result.ItemsArchived >= opts.MaxItems {
			break
		}
		if opts.KeepMinPerType > 0 && typeCounts[item.Type] <= opts.KeepMinPerType {
			continue
		}
		delete(m.items, item.ID)
		m.removeFromOrderLocked(item.ID)
		typeCounts[item.Type]--
		result.ItemsArchived++
		result.TokensSaved += item.TokenCount
		if item.ReferenceID != "" {
			result.ArtifactIDs = append(result.ArtifactIDs, item.ReferenceID)
		}
	}
	result.Performed = result.ItemsArchived > 0
	totals := m.totalsLocked()
	m.mu.Unlock()

	if result.Performed {
		m.emit(Event{Name: EventArchivalPerformed, Level: totals.Level, Totals: totals, Archive: &result})
	}
	return result
}

// GetRecommendedAction proposes an action based on the current level.
func (m *Monitor) GetRecommendedAction() RecommendedAction {
	switch m.GetTotals().Level {
	case LevelCritical:
		return RecommendedAction{Action: "archive", Strategy: StrategyAggressive}
	case LevelHigh:
		return RecommendedAction{Action: "compress", Strategy: StrategyModerate}
	case LevelElevated:
		return RecommendedAction{Action: "compress", Strategy: StrategyLight}
	default:
		return RecommendedAction{Action: "none"}
	}
}
