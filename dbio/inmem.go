package dbio

import (
	"encoding/json"
	"sync"
)

// InMemoryBackend keeps all collections in process memory.  It is intended
// for tests and ephemeral deployments.  All constraint forms and advanced
// queries are supported by scanning.
type InMemoryBackend struct {
	mu      sync.RWMutex
	colls   map[string]map[string]map[string]interface{}
	nextnum map[string]int
	actions map[string][]map[string]interface{}
	history []map[string]interface{}
}

// NewInMemoryBackend creates an empty in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	b := &InMemoryBackend{}
	b.Reset()
	return b
}

// Reset clears all stored state.
func (b *InMemoryBackend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.colls = map[string]map[string]map[string]interface{}{}
	b.nextnum = map[string]int{}
	b.actions = map[string][]map[string]interface{}{}
	b.history = nil
}

func deepCopyDoc(doc map[string]interface{}) map[string]interface{} {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// Upsert implements Backend.
func (b *InMemoryBackend) Upsert(coll, id string, rec map[string]interface{}) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.colls[coll]
	if c == nil {
		c = map[string]map[string]interface{}{}
		b.colls[coll] = c
	}
	_, existed := c[id]
	c[id] = deepCopyDoc(rec)
	return !existed, nil
}

// GetFromColl implements Backend.
func (b *InMemoryBackend) GetFromColl(coll, id string) (map[string]interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	doc, ok := b.colls[coll][id]
	if !ok {
		return nil, nil
	}
	return deepCopyDoc(doc), nil
}

func docDeactivated(doc map[string]interface{}) bool {
	d, ok := doc["deactivated"].(float64)
	return ok && d > 0
}

func docMatches(doc map[string]interface{}, constraints map[string]interface{}) bool {
	for prop, want := range constraints {
		got, ok := doc[prop]
		if !ok {
			return false
		}
		switch wants := want.(type) {
		case []interface{}:
			matched := false
			for _, w := range wants {
				if jsonEqual(got, w) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case []string:
			matched := false
			for _, w := range wants {
				if jsonEqual(got, w) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !jsonEqual(got, want) {
				return false
			}
		}
	}
	return true
}

// SelectFromColl implements Backend.
func (b *InMemoryBackend) SelectFromColl(coll string, includeDeactivated bool,
	constraints map[string]interface{}) ([]map[string]interface{}, error) {

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []map[string]interface{}
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && docDeactivated(doc) {
			continue
		}
		if docMatches(doc, constraints) {
			out = append(out, deepCopyDoc(doc))
		}
	}
	return out, nil
}

// SelectPropContains implements Backend.
func (b *InMemoryBackend) SelectPropContains(coll, prop, target string,
	includeDeactivated bool) ([]map[string]interface{}, error) {

	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []map[string]interface{}
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && docDeactivated(doc) {
			continue
		}
		list, ok := doc[prop].([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			if s, ok := item.(string); ok && s == target {
				out = append(out, deepCopyDoc(doc))
				break
			}
		}
	}
	return out, nil
}

// AdvSelectFromColl implements Backend.  The filter is evaluated against
// each record with the restricted $and/$or grammar.
func (b *InMemoryBackend) AdvSelectFromColl(coll string, filter map[string]interface{},
	includeDeactivated bool) ([]map[string]interface{}, error) {

	b.mu.RLock()
	docs := make([]map[string]interface{}, 0)
	for _, doc := range b.colls[coll] {
		if !includeDeactivated && docDeactivated(doc) {
			continue
		}
		docs = append(docs, deepCopyDoc(doc))
	}
	b.mu.RUnlock()

	var out []map[string]interface{}
	for _, doc := range docs {
		if filterMatches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// filterMatches evaluates a restricted $and/$or filter against a document.
func filterMatches(doc map[string]interface{}, filter map[string]interface{}) bool {
	for key, val := range filter {
		switch key {
		case "$and":
			list, _ := val.([]interface{})
			for _, item := range list {
				m, ok := item.(map[string]interface{})
				if !ok || !filterMatches(doc, m) {
					return false
				}
			}
		case "$or":
			list, _ := val.([]interface{})
			matched := false
			for _, item := range list {
				if m, ok := item.(map[string]interface{}); ok && filterMatches(doc, m) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !pathEquals(doc, key, val) {
				return false
			}
		}
	}
	return true
}

// DeleteFrom implements Backend.
func (b *InMemoryBackend) DeleteFrom(coll, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.colls[coll]
	if _, ok := c[id]; !ok {
		return false, nil
	}
	delete(c, id)
	return true, nil
}

// NextRecNum implements Backend.
func (b *InMemoryBackend) NextRecNum(shoulder string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextnum[shoulder]++
	return b.nextnum[shoulder], nil
}

// TryPushRecNum implements Backend.
func (b *InMemoryBackend) TryPushRecNum(shoulder string, n int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nextnum[shoulder] != n {
		return false, nil
	}
	b.nextnum[shoulder]--
	return true, nil
}

// SaveActionData implements Backend.
func (b *InMemoryBackend) SaveActionData(act map[string]interface{}) error {
	subj, _ := act["subject"].(string)
	if subj == "" {
		return InvalidUpdate("action data is missing its subject", "", "")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[subj] = append(b.actions[subj], deepCopyDoc(act))
	return nil
}

// SelectActionsFor implements Backend.
func (b *InMemoryBackend) SelectActionsFor(id string) ([]map[string]interface{}, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acts := b.actions[id]
	out := make([]map[string]interface{}, 0, len(acts))
	for _, a := range acts {
		out = append(out, deepCopyDoc(a))
	}
	return out, nil
}

// DeleteActionsFor implements Backend.
func (b *InMemoryBackend) DeleteActionsFor(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.actions, id)
	return nil
}

// SaveHistory implements Backend.
func (b *InMemoryBackend) SaveHistory(histrec map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, deepCopyDoc(histrec))
	return nil
}

// HistoryFor returns the archived history documents for a record id (test
// support).
func (b *InMemoryBackend) HistoryFor(id string) []map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []map[string]interface{}
	for _, h := range b.history {
		if rid, _ := h["recid"].(string); rid == id {
			out = append(out, deepCopyDoc(h))
		}
	}
	return out
}

// Close implements Backend.
func (b *InMemoryBackend) Close() error { return nil }

// InMemoryClientFactory creates DBClients sharing one in-memory backend.
type InMemoryClientFactory struct {
	backend  *InMemoryBackend
	cfg      ClientConfig
	peopsvc  PeopleService
	notifier Notifier
}

// NewInMemoryClientFactory creates a factory over a fresh in-memory
// backend.
func NewInMemoryClientFactory(cfg ClientConfig, peopsvc PeopleService, notifier Notifier) *InMemoryClientFactory {
	return &InMemoryClientFactory{
		backend:  NewInMemoryBackend(),
		cfg:      cfg,
		peopsvc:  peopsvc,
		notifier: notifier,
	}
}

// Backend returns the shared backend (test support).
func (f *InMemoryClientFactory) Backend() *InMemoryBackend { return f.backend }

// CreateClient implements ClientFactory.
func (f *InMemoryClientFactory) CreateClient(projcoll, foruser string) (*DBClient, error) {
	return NewDBClient(f.backend, f.cfg, projcoll, foruser, f.peopsvc, f.notifier), nil
}
