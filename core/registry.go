package core

import (
	"fmt"

	"pkt.systems/gantry/schema"
)

// workspace is the per-user tab registry: the single authoritative
// mapping from tab key to tab state. All access is guarded by the
// service mutex; a key is present iff its tab is visible to the user.
type workspace struct {
	tabs   map[schema.TabKey]*tab
	order  []schema.TabKey
	active schema.TabKey
}

func newWorkspace() *workspace {
	return &workspace{tabs: make(map[schema.TabKey]*tab)}
}

func (w *workspace) insert(key schema.TabKey, t *tab) error {
	if _, ok := w.tabs[key]; ok {
		return schema.ErrTabKeyConflict
	}
	w.tabs[key] = t
	w.order = append(w.order, key)
	return nil
}

func (w *workspace) get(key schema.TabKey) *tab {
	return w.tabs[key]
}

// remove deletes the tab and its order slot in one step. The active
// pointer is cleared when it referenced the removed key; failover is
// the caller's job.
func (w *workspace) remove(key schema.TabKey) *tab {
	t := w.tabs[key]
	if t == nil {
		return nil
	}
	delete(w.tabs, key)
	w.order = removeKey(w.order, key)
	if w.active == key {
		w.active = ""
	}
	return t
}

// rekey atomically moves a tab to its permanent key, preserving order
// position and the active pointer when it referenced oldKey.
func (w *workspace) rekey(oldKey, newKey schema.TabKey) error {
	t := w.tabs[oldKey]
	if t == nil {
		return schema.ErrTabNotFound
	}
	if oldKey == newKey {
		return nil
	}
	if _, ok := w.tabs[newKey]; ok {
		return schema.ErrTabKeyConflict
	}
	delete(w.tabs, oldKey)
	t.Key = newKey
	w.tabs[newKey] = t
	for i, key := range w.order {
		if key == oldKey {
			w.order[i] = newKey
			break
		}
	}
	if w.active == oldKey {
		w.active = newKey
	}
	return nil
}

func (w *workspace) activeKey() schema.TabKey {
	return w.active
}

func (w *workspace) setActive(key schema.TabKey) bool {
	if _, ok := w.tabs[key]; !ok {
		return false
	}
	w.active = key
	return true
}

// nextActive picks the failover candidate after a removal: insertion
// order, oldest first.
func (w *workspace) nextActive() schema.TabKey {
	if len(w.order) == 0 {
		return ""
	}
	return w.order[0]
}

// titleFor computes the display title, suffixing a counter when tabs
// currently in the registry already share the base title.
func (w *workspace) titleFor(base schema.TabName) schema.TabName {
	n := 1
	for _, t := range w.tabs {
		if t.BaseTitle == base {
			n++
		}
	}
	if n == 1 {
		return base
	}
	return schema.TabName(fmt.Sprintf("%s (%d)", base, n))
}

func removeKey(order []schema.TabKey, key schema.TabKey) []schema.TabKey {
	for i, current := range order {
		if current == key {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
