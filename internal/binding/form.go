package binding

import (
	"maps"
	"sync"
)

// Form is the surrounding form state the binder writes into. How and when
// the form is persisted is not the binder's concern.
type Form interface {
	Value(fieldID string) (string, bool)
	SetValue(fieldID, value string) error
}

// MemoryForm is an in-memory Form safe for concurrent use.
type MemoryForm struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryForm(initial map[string]string) *MemoryForm {
	values := make(map[string]string, len(initial))
	maps.Copy(values, initial)
	return &MemoryForm{values: values}
}

func (f *MemoryForm) Value(fieldID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[fieldID]
	return v, ok
}

func (f *MemoryForm) SetValue(fieldID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[fieldID] = value
	return nil
}

// Snapshot copies the current values.
func (f *MemoryForm) Snapshot() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.values)
}

var _ Form = (*MemoryForm)(nil)
