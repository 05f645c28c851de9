package storesync

import (
	"sort"
	"sync"

	"github.com/agentworkforce/storesync/internal/catalog"
)

// Snapshot is a read-only copy of one paginated collection.
type Snapshot struct {
	Key        string
	Items      []catalog.Entity
	NextPage   int
	TotalPages int
	HasMore    bool
	Loading    bool
	Err        error
	Generation uint64
}

type collectionState struct {
	items      []catalog.Entity
	index      map[string]int
	nextPage   int
	totalPages int
	totalKnown bool
	// inflight counts fetches started for this generation and not yet
	// finished; the collection is loading while it is positive.
	inflight int
	err      error
}

func newCollectionState() *collectionState {
	return &collectionState{index: map[string]int{}}
}

// hasMore treats a collection that has never merged a page as open-ended so
// the first fetch is always allowed.
func (c *collectionState) hasMore() bool {
	if !c.totalKnown {
		return true
	}
	return c.nextPage < c.totalPages
}

// Cache owns one ordered, id-deduplicated collection per key. It is the
// single source of truth read by the rendering layer; writes arrive only
// through the FetchGate (merges) and the Coordinator (local patches).
type Cache struct {
	mu           sync.RWMutex
	collections  map[string]*collectionState
	generations  map[string]uint64
	observers    map[int]func(key string)
	nextObserver int
}

func NewCache() *Cache {
	return &Cache{
		collections: map[string]*collectionState{},
		generations: map[string]uint64{},
		observers:   map[int]func(key string){},
	}
}

// Subscribe registers fn to be called with the collection key after every
// write. The returned func removes the observer.
func (c *Cache) Subscribe(fn func(key string)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(key string) {
	c.mu.RLock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.observers[id])
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(key)
	}
}

func (c *Cache) ensureLocked(key string) *collectionState {
	state, ok := c.collections[key]
	if !ok {
		state = newCollectionState()
		c.collections[key] = state
	}
	return state
}

// MergePage appends the items of page whose ids are not yet present, in
// received order. Existing items are never reordered or replaced. The cursor
// only moves forward, so refreshing page 0 never rewinds a collection that
// has already been scrolled deeper. The call is all-or-nothing: a page
// containing a nil entity or an empty id is rejected untouched.
func (c *Cache) MergePage(key string, page catalog.Page) error {
	c.mu.Lock()
	_, err := c.mergeLocked(key, page)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.notify(key)
	return nil
}

// MergePageAt merges only when generation still matches the collection's
// current generation; otherwise it returns ErrStaleGeneration and leaves the
// collection unchanged. It reports how many new items were appended.
func (c *Cache) MergePageAt(key string, generation uint64, page catalog.Page) (int, error) {
	c.mu.Lock()
	if c.generations[key] != generation {
		c.mu.Unlock()
		return 0, newSyncError("merge", key, ErrStaleGeneration, nil)
	}
	added, err := c.mergeLocked(key, page)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	c.notify(key)
	return added, nil
}

func (c *Cache) mergeLocked(key string, page catalog.Page) (int, error) {
	if key == "" || page.PageIndex < 0 || page.TotalPages < 0 {
		return 0, newSyncError("merge", key, ErrInvalidInput, nil)
	}
	for _, item := range page.Items {
		if item == nil || item.EntityID() == "" {
			return 0, newSyncError("merge", key, ErrInvalidInput, nil)
		}
	}
	state := c.ensureLocked(key)
	added := 0
	for _, item := range page.Items {
		id := item.EntityID()
		if _, exists := state.index[id]; exists {
			continue
		}
		state.index[id] = len(state.items)
		state.items = append(state.items, item)
		added++
	}
	if next := page.PageIndex + 1; next > state.nextPage {
		state.nextPage = next
	}
	state.totalPages = page.TotalPages
	state.totalKnown = true
	state.err = nil
	return added, nil
}

// Reset clears the collection, rewinds its cursor and bumps its generation
// so that any fetch still in flight is discarded on arrival.
func (c *Cache) Reset(key string) uint64 {
	c.mu.Lock()
	c.collections[key] = newCollectionState()
	c.generations[key]++
	generation := c.generations[key]
	c.mu.Unlock()
	c.notify(key)
	return generation
}

// Discard drops the collection when its view unmounts. The generation keeps
// counting so late results for the old view stay stale.
func (c *Cache) Discard(key string) {
	c.mu.Lock()
	delete(c.collections, key)
	c.generations[key]++
	c.mu.Unlock()
	c.notify(key)
}

func (c *Cache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[key]
}

// ApplyLocalPatch replaces the entity with the given id by patcher(entity).
// It returns false, changing nothing, when the id is absent or when the
// patcher returns nil or an entity with a different id.
func (c *Cache) ApplyLocalPatch(key, id string, patcher func(catalog.Entity) catalog.Entity) bool {
	return c.applyLocalPatch(key, id, nil, patcher)
}

// ApplyLocalPatchAt is ApplyLocalPatch that also refuses, returning false,
// when the collection's generation is no longer generation.
func (c *Cache) ApplyLocalPatchAt(key string, generation uint64, id string, patcher func(catalog.Entity) catalog.Entity) bool {
	return c.applyLocalPatch(key, id, &generation, patcher)
}

func (c *Cache) applyLocalPatch(key, id string, generation *uint64, patcher func(catalog.Entity) catalog.Entity) bool {
	if patcher == nil {
		return false
	}
	c.mu.Lock()
	if generation != nil && c.generations[key] != *generation {
		c.mu.Unlock()
		return false
	}
	state, ok := c.collections[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	pos, ok := state.index[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	patched := patcher(state.items[pos])
	if patched == nil || patched.EntityID() != id {
		c.mu.Unlock()
		return false
	}
	state.items[pos] = patched
	c.mu.Unlock()
	c.notify(key)
	return true
}

// AppendLocal adds an entity created locally (for example a warehouse the
// backend just confirmed). It is a no-op when the id is already present and
// never moves the cursor.
func (c *Cache) AppendLocal(key string, entity catalog.Entity) bool {
	if entity == nil || entity.EntityID() == "" {
		return false
	}
	c.mu.Lock()
	state := c.ensureLocked(key)
	if _, exists := state.index[entity.EntityID()]; exists {
		c.mu.Unlock()
		return false
	}
	state.index[entity.EntityID()] = len(state.items)
	state.items = append(state.items, entity)
	c.mu.Unlock()
	c.notify(key)
	return true
}

func (c *Cache) MarkLoading(key string) {
	c.BeginFetch(key, c.Generation(key))
}

// RecordError finishes a fetch of the current generation with err. Loaded
// items and the cursor are kept so the same request can be retried.
func (c *Cache) RecordError(key string, err error) {
	c.EndFetch(key, c.Generation(key), err)
}

// BeginFetch marks one more fetch in flight for key. It returns false,
// changing nothing, when generation is no longer current.
func (c *Cache) BeginFetch(key string, generation uint64) bool {
	c.mu.Lock()
	if c.generations[key] != generation {
		c.mu.Unlock()
		return false
	}
	c.ensureLocked(key).inflight++
	c.mu.Unlock()
	c.notify(key)
	return true
}

// EndFetch finishes a fetch started with BeginFetch. A non-nil err is kept as
// the collection's error. Fetches of an older generation are ignored, since
// their collection state no longer exists.
func (c *Cache) EndFetch(key string, generation uint64, err error) bool {
	c.mu.Lock()
	if c.generations[key] != generation {
		c.mu.Unlock()
		return false
	}
	state := c.ensureLocked(key)
	if state.inflight > 0 {
		state.inflight--
	}
	if err != nil {
		state.err = err
	}
	c.mu.Unlock()
	c.notify(key)
	return true
}

// GetAt returns the entity together with the generation it was read at.
func (c *Cache) GetAt(key, id string) (catalog.Entity, uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	generation := c.generations[key]
	state, ok := c.collections[key]
	if !ok {
		return nil, generation, false
	}
	pos, ok := state.index[id]
	if !ok {
		return nil, generation, false
	}
	return state.items[pos], generation, true
}

func (c *Cache) Get(key, id string) (catalog.Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.collections[key]
	if !ok {
		return nil, false
	}
	pos, ok := state.index[id]
	if !ok {
		return nil, false
	}
	return state.items[pos], true
}

func (c *Cache) Snapshot(key string) Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Key:        key,
		Generation: c.generations[key],
		HasMore:    true,
	}
	state, ok := c.collections[key]
	if !ok {
		return snap
	}
	snap.Items = append([]catalog.Entity(nil), state.items...)
	snap.NextPage = state.nextPage
	snap.TotalPages = state.totalPages
	snap.HasMore = state.hasMore()
	snap.Loading = state.inflight > 0
	snap.Err = state.err
	return snap
}

// Keys lists the collections currently mounted, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.collections))
	for key := range c.collections {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
