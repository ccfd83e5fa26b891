// Package stateloader batches reducer-state lookups made during one request
// into as few store round trips as possible.
package stateloader

import (
	"context"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/dashdag/internal/kvstore"
)

// DefaultWait is how long the loader collects keys before dispatching a
// batch.
const DefaultWait = 5 * time.Millisecond

// StateLoader is a kvstore.Store whose lookups are batched and cached for
// its lifetime. Create one per request.
type StateLoader struct {
	Loader *dataloader.Loader
}

// NewStateLoader wires a loader over store.
func NewStateLoader(store kvstore.Store, wait time.Duration) *StateLoader {
	if wait <= 0 {
		wait = DefaultWait
	}

	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		values, err := kvstore.GetMany(ctx, store, keys.Keys())
		if err != nil {
			results := make([]*dataloader.Result, len(keys))
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		// Results must be in the same order as keys.
		results := make([]*dataloader.Result, len(keys))
		for i, key := range keys {
			results[i] = &dataloader.Result{Data: values[key.String()]}
		}
		return results
	}

	loader := dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(wait))
	return &StateLoader{Loader: loader}
}

func (l *StateLoader) Get(ctx context.Context, key string) (any, error) {
	return l.Loader.Load(ctx, dataloader.StringKey(key))()
}

func (l *StateLoader) GetMany(ctx context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	data, errs := l.Loader.LoadMany(ctx, dataloader.NewKeysFromStrings(keys))()
	for i, key := range keys {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		if i < len(data) && data[i] != nil {
			out[key] = data[i]
		}
	}
	return out, nil
}
