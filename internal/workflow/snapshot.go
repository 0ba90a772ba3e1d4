package workflow

import "encoding/json"

// Snapshot is the on-disk representation of a Machine persisted through a
// Storage adapter. It captures everything needed to resume a task after a
// process restart.
type Snapshot struct {
	State         State         `json:"state"`
	PreviousState State         `json:"previousState"`
	Context       Context       `json:"context"`
	History       []HistoryEntry `json:"history"`
}

func encodeSnapshot(s Snapshot) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeSnapshot(data string) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal([]byte(data), &s)
	return s, err
}

// Restore loads a previously persisted snapshot from storage, replacing the
// machine's in-memory state. Intended for use immediately after New(), before
// any task has started on the fresh instance.
func (m *Machine) Restore() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.storage == nil {
		return false, nil
	}
	data, found, err := m.storage.GetItem(m.storageKey)
	if err != nil || !found {
		return false, err
	}
	snapshot, err := decodeSnapshot(data)
	if err != nil {
		return false, err
	}
	m.state = snapshot.State
	m.previousState = snapshot.PreviousState
	m.context = snapshot.Context
	m.history = snapshot.History
	return true, nil
}
