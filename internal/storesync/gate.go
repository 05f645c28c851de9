package storesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 15 * time.Second
	defaultPageSize     = 10
	tracerName          = "github.com/agentworkforce/storesync/internal/storesync"
)

type PageFetcher interface {
	ListPage(ctx context.Context, resource catalog.Resource, page, size int) (catalog.Page, error)
}

// CollectionSpec binds a collection key to the backend listing that feeds it.
type CollectionSpec struct {
	Resource catalog.Resource
	PageSize int
}

// Outcome is the result of one gate request. Stale outcomes carry no error:
// the collection that asked for the page no longer exists in the same form.
type Outcome struct {
	Key       string
	PageIndex int
	Added     int
	Coalesced bool
	Stale     bool
	Skipped   bool
	Err       error
}

type GateOptions struct {
	Timeout time.Duration
	Logger  zerolog.Logger
}

// FetchGate serializes and coalesces fetches per collection key. While a
// fetch for a key is in flight, further requests for the same key share its
// outcome instead of issuing another call, so a page is never merged twice
// and the cursor never advances twice for it. Different keys run
// concurrently.
type FetchGate struct {
	cache   *Cache
	fetcher PageFetcher
	timeout time.Duration
	logger  zerolog.Logger
	tracer  trace.Tracer
	group   singleflight.Group

	mu    sync.RWMutex
	specs map[string]CollectionSpec
}

func NewFetchGate(cache *Cache, fetcher PageFetcher, opts GateOptions) (*FetchGate, error) {
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &FetchGate{
		cache:   cache,
		fetcher: fetcher,
		timeout: timeout,
		logger:  opts.Logger,
		tracer:  otel.Tracer(tracerName),
		specs:   map[string]CollectionSpec{},
	}, nil
}

// Register mounts a collection key. Registering an existing key with a new
// spec resets the collection, since its query parameters changed.
func (g *FetchGate) Register(key string, spec CollectionSpec) error {
	key = strings.TrimSpace(key)
	if key == "" || spec.Resource.Name == "" {
		return newSyncError("register", key, ErrInvalidInput, nil)
	}
	if spec.PageSize <= 0 {
		spec.PageSize = defaultPageSize
	}
	g.mu.Lock()
	previous, existed := g.specs[key]
	g.specs[key] = spec
	g.mu.Unlock()
	if existed && (previous.Resource.Name != spec.Resource.Name || previous.PageSize != spec.PageSize) {
		g.cache.Reset(key)
	}
	return nil
}

// Unregister unmounts a key; results still in flight for it are dropped.
func (g *FetchGate) Unregister(key string) {
	g.mu.Lock()
	delete(g.specs, key)
	g.mu.Unlock()
	g.cache.Discard(key)
}

func (g *FetchGate) spec(key string) (CollectionSpec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	spec, ok := g.specs[key]
	return spec, ok
}

// Do runs fn at most once at a time for key. Callers arriving while fn is in
// flight wait for and share its result. fn runs detached from the caller's
// cancellation; a caller whose ctx ends stops waiting but does not abort fn.
func (g *FetchGate) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Request fetches pageIndex for key and merges it into the cache.
func (g *FetchGate) Request(ctx context.Context, key string, pageIndex int) Outcome {
	spec, ok := g.spec(key)
	if !ok {
		return Outcome{Key: key, PageIndex: pageIndex, Err: newSyncError("request", key, ErrUnknownCollection, nil)}
	}
	generation := g.cache.Generation(key)
	flightKey := fmt.Sprintf("%s#%d", key, generation)
	val, shared, err := g.Do(ctx, flightKey, func(ctx context.Context) (any, error) {
		return g.fetchAndMerge(ctx, key, generation, spec, pageIndex, true), nil
	})
	if err != nil {
		return Outcome{Key: key, PageIndex: pageIndex, Err: classifyTransport("request", key, err)}
	}
	out := val.(Outcome)
	out.Coalesced = shared
	return out
}

// RequestNextPage is the scroll-to-bottom intent: it asks for the
// collection's next page, or reports Skipped once the collection is
// exhausted.
func (g *FetchGate) RequestNextPage(ctx context.Context, key string) Outcome {
	if _, ok := g.spec(key); !ok {
		return Outcome{Key: key, Err: newSyncError("request", key, ErrUnknownCollection, nil)}
	}
	snap := g.cache.Snapshot(key)
	if !snap.HasMore {
		return Outcome{Key: key, PageIndex: snap.NextPage, Skipped: true}
	}
	return g.Request(ctx, key, snap.NextPage)
}

// RefreshLatest re-fetches page 0 of key and merges it without resetting the
// collection. It is meant to be called from inside a Do block keyed by the
// refreshing topic, which provides its serialization. A failed refresh is
// returned but not recorded as the collection's error, so it never masks
// the outcome of a scroll fetch running alongside it.
func (g *FetchGate) RefreshLatest(ctx context.Context, key string) Outcome {
	spec, ok := g.spec(key)
	if !ok {
		return Outcome{Key: key, Err: newSyncError("refresh", key, ErrUnknownCollection, nil)}
	}
	return g.fetchAndMerge(ctx, key, g.cache.Generation(key), spec, 0, false)
}

func (g *FetchGate) fetchAndMerge(ctx context.Context, key string, generation uint64, spec CollectionSpec, pageIndex int, recordErr bool) Outcome {
	ctx, span := g.tracer.Start(ctx, "storesync.fetch", trace.WithAttributes(
		attribute.String("collection", key),
		attribute.String("resource", spec.Resource.Name),
		attribute.Int("page", pageIndex),
	))
	defer span.End()

	out := Outcome{Key: key, PageIndex: pageIndex}
	if !g.cache.BeginFetch(key, generation) {
		out.Stale = true
		return out
	}
	page, err := fetchWithTimeout(ctx, g.timeout, func(ctx context.Context) (catalog.Page, error) {
		return g.fetcher.ListPage(ctx, spec.Resource, pageIndex, spec.PageSize)
	})
	if err != nil {
		syncErr := classifyTransport("fetch", key, err)
		var recorded error
		if recordErr {
			recorded = syncErr
		}
		if !g.cache.EndFetch(key, generation, recorded) {
			g.logger.Debug().Str("collection", key).Int("page", pageIndex).Msg("dropping stale fetch failure")
			out.Stale = true
			return out
		}
		span.RecordError(syncErr)
		g.logger.Warn().Err(err).Str("collection", key).Int("page", pageIndex).Msg("fetch failed")
		out.Err = syncErr
		return out
	}
	added, err := g.cache.MergePageAt(key, generation, page)
	if err != nil {
		if errors.Is(err, ErrStaleGeneration) {
			g.logger.Debug().Str("collection", key).Int("page", pageIndex).Msg("dropping stale fetch result")
			out.Stale = true
			return out
		}
		syncErr := newSyncError("fetch", key, ErrNetworkFailure, err)
		var recorded error
		if recordErr {
			recorded = syncErr
		}
		g.cache.EndFetch(key, generation, recorded)
		span.RecordError(syncErr)
		out.Err = syncErr
		return out
	}
	g.cache.EndFetch(key, generation, nil)
	out.Added = added
	g.logger.Debug().Str("collection", key).Int("page", pageIndex).Int("added", added).Msg("page merged")
	return out
}

// fetchWithTimeout bounds fn by timeout even if fn ignores its context, so a
// hung call still releases the gate.
func fetchWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("unexpected failure: %v", r)}
			}
		}()
		val, err := fn(ctx)
		done <- result{val: val, err: err}
	}()
	select {
	case res := <-done:
		return res.val, res.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
