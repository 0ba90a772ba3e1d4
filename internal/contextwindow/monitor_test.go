package contextwindow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectedItemsInvariant(t *testing.T) {
	m := New(1000, DefaultThresholds())
	m.AddItem(Item{ID: "task", Type: ItemTypeUserTask, TokenCount: 50, Compressible: true, Archivable: true})

	items := m.GetItemsByType(ItemTypeUserTask)
	require.Len(t, items, 1)
	assert.False(t, items[0].Compressible)
	assert.False(t, items[0].Archivable)
	assert.Equal(t, protectedPriority, items[0].Priority)
}

func TestLevelsEscalateWithTokenUsage(t *testing.T) {
	m := New(100, DefaultThresholds())
	m.AddItem(Item{ID: "a", Type: "summary", TokenCount: 50, Compressible: true, Archivable: true})
	assert.Equal(t, LevelNormal, m.GetTotals().Level)

	m.AddItem(Item{ID: "b", Type: "summary", TokenCount: 15, Compressible: true, Archivable: true})
	assert.Equal(t, LevelElevated, m.GetTotals().Level)

	m.AddItem(Item{ID: "c", Type: "summary", TokenCount: 20, Compressible: true, Archivable: true})
	assert.Equal(t, LevelHigh, m.GetTotals().Level)

	m.AddItem(Item{ID: "d", Type: "summary", TokenCount: 10, Compressible: true, Archivable: true})
	assert.Equal(t, LevelCritical, m.GetTotals().Level)
}

func TestCompressReducesCompressibleItemsOnly(t *testing.T) {
	m := New(1000, DefaultThresholds())
	m.AddItem(Item{ID: "task", Type: ItemTypeUserTask, TokenCount: 100})
	m.AddItem(Item{ID: "summary", Type: "summary", TokenCount: 100, Compressible: true, Archivable: true})

	result := m.Compress(StrategyModerate)
	assert.True(t, result.Performed)
	assert.Equal(t, 1, result.ItemsCompressed)

	items := m.GetItemsByType(ItemTypeUserTask)
	assert.Equal(t, 100, items[0].TokenCount)

	summaries := m.GetItemsByType("summary")
	assert.Less(t, summaries[0].TokenCount, 100)
}

func TestCompressRemovesTinyItems(t *testing.T) {
	m := New(1000, DefaultThresholds())
	m.AddItem(Item{ID: "tiny", Type: "summary", TokenCount: 5, Compressible: true, Archivable: true})

	result := m.Compress(StrategyAggressive)
	assert.True(t, result.Performed)
	assert.Equal(t, 1, result.ItemsRemoved)
	assert.Empty(t, m.GetItemsByType("summary"))
}

func TestArchiveRemovesLowestPriorityFirst(t *testing.T) {
	m := New(1000, DefaultThresholds())
	m.AddItem(Item{ID: "low", Type: "summary", TokenCount: 50, Priority: 10, Archivable: true})
	m.AddItem(Item{ID: "high", Type: "summary", TokenCount: 50, Priority: 90, Archivable: true})

	result := m.Archive(ArchiveOptions{MaxItems: 1})
	assert.True(t, result.Performed)
	assert.Equal(t, 1, result.ItemsArchived)

	remaining := m.GetItemsByType("summary")
	require.Len(t, remaining, 1)
	assert.Equal(t, "high", remaining[0].ID)
}

func TestArchiveNeverTouchesProtectedItems(t *testing.T) {
	m := New(1000, DefaultThresholds())
	m.AddItem(Item{ID: "task", Type: ItemTypeUserTask, TokenCount: 50})
	m.AddItem(Item{ID: "state", Type: ItemTypeWorkflowState, TokenCount: 50})

	result := m.Archive(ArchiveOptions{})
	assert.False(t, result.Performed)
	assert.Len(t, m.GetItemsByType(ItemTypeUserTask), 1)
	assert.Len(t, m.GetItemsByType(ItemTypeWorkflowState), 1)
}

func TestGetRecommendedActionByLevel(t *testing.T) {
	m := New(100, DefaultThresholds())
	assert.Equal(t, "none", m.GetRecommendedAction().Action)

	m.AddItem(Item{ID: "a", Type: "summary", TokenCount: 65, Compressible: true, Archivable: true})
	assert.Equal(t, "compress", m.GetRecommendedAction().Action)
	assert.Equal(t, StrategyLight, m.GetRecommendedAction().Strategy)

	m.AddItem(Item{ID: "b", Type: "summary", TokenCount: 20, Compressible: true, Archivable: true})
	assert.Equal(t, StrategyModerate, m.GetRecommendedAction().Strategy)

	m.AddItem(Item{ID: "c", Type: "summary", TokenCount: 10, Compressible: true, Archivable: true})
	assert.Equal(t, "archive", m.GetRecommendedAction().Action)
}

// TestContextBoundAfterCriticalPass exercises the bound property: after a
// critical-level compress+archive pass, total tokens stay under budget and
// no protected item is removed.
func TestContextBoundAfterCriticalPass(t *testing.T) {
	m := New(200, DefaultThresholds())
	m.AddItem(Item{ID: "task", Type: ItemTypeUserTask, TokenCount: 20})
	m.AddItem(Item{ID: "state", Type: ItemTypeWorkflowState, TokenCount: 10})
	for i := 0; i < 10; i++ {
		m.AddItem(Item{ID: string(rune('a' + i)), Type: "summary", TokenCount: 30, Priority: 40, Compressible: true, Archivable: true})
	}

	require.Equal(t, LevelCritical, m.GetTotals().Level)
	m.Compress(StrategyAggressive)
	m.Archive(ArchiveOptions{BelowPriority: 50})

	totals := m.GetTotals()
	assert.LessOrEqual(t, totals.TotalTokens, 200)
	assert.Len(t, m.GetItemsByType(ItemTypeUserTask), 1)
	assert.Len(t, m.GetItemsByType(ItemTypeWorkflowState), 1)
}

func TestEventsEmittedOnThresholdCrossing(t *testing.T) {
	m := New(100, DefaultThresholds())
	var events []string
	m.OnEvent(func(ev Event) { events = append(events, ev.Name) })

	m.AddItem(Item{ID: "a", Type: "summary", TokenCount: 95, Compressible: true, Archivable: true})

	assert.Contains(t, events, EventWarning)
	assert.Contains(t, events, EventCritical)
}

func TestUpdateItemTokensNotFound(t *testing.T) {
	m := New(100, DefaultThresholds())
	err := m.UpdateItemTokens("missing", 10)
	require.Error(t, err)
}

func TestClearRemovesEverything(t *testing.T) {
	m := New(100, DefaultThresholds())
	m.AddItem(Item{ID: "a", Type: "summary", TokenCount: 10})
	m.Clear()
	assert.Equal(t, 0, m.GetTotals().ItemCount)
}
