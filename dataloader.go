package main

import (
	"context"
	"fmt"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

// DataLoaderContextKey is the key used to store dataloaders in context
type DataLoaderContextKey string

const dataLoaderKey DataLoaderContextKey = "dataloader"

// profileBatcher loads many profiles in one query. *store.Store implements it.
type profileBatcher interface {
	Profiles(ctx context.Context, ids []int) (map[int]model.Profile, error)
}

// DataLoaders holds the per-request loaders.
type DataLoaders struct {
	ProfileLoader *dataloader.Loader[int, *model.Profile]
}

// NewDataLoaders creates loaders backed by src.
func NewDataLoaders(src profileBatcher) *DataLoaders {
	return &DataLoaders{
		ProfileLoader: dataloader.NewBatchedLoader(profileBatchFn(src), dataloader.WithWait[int, *model.Profile](2*time.Millisecond)),
	}
}

// GetDataLoadersFromContext retrieves dataloaders from context
func GetDataLoadersFromContext(ctx context.Context) *DataLoaders {
	if dl, ok := ctx.Value(dataLoaderKey).(*DataLoaders); ok {
		return dl
	}
	return nil
}

// WithDataLoaders adds dataloaders to context
func WithDataLoaders(ctx context.Context, dl *DataLoaders) context.Context {
	return context.WithValue(ctx, dataLoaderKey, dl)
}

// loadersFor returns the request's loaders, or fresh ones when the request
// did not pass through DataLoaderMiddleware.
func loadersFor(ctx context.Context, src profileBatcher) *DataLoaders {
	if dl := GetDataLoadersFromContext(ctx); dl != nil {
		return dl
	}
	return NewDataLoaders(src)
}

// profileBatchFn answers every key in one Profiles call. Unknown ids get an
// error wrapping model.ErrNotFound.
func profileBatchFn(src profileBatcher) dataloader.BatchFunc[int, *model.Profile] {
	return func(ctx context.Context, keys []int) []*dataloader.Result[*model.Profile] {
		results := make([]*dataloader.Result[*model.Profile], len(keys))

		found, err := src.Profiles(ctx, keys)
		for i, key := range keys {
			switch p, ok := found[key]; {
			case err != nil:
				results[i] = &dataloader.Result[*model.Profile]{Error: err}
			case !ok:
				results[i] = &dataloader.Result[*model.Profile]{Error: fmt.Errorf("profile %d: %w", key, model.ErrNotFound)}
			default:
				results[i] = &dataloader.Result[*model.Profile]{Data: &p}
			}
		}
		return results
	}
}

// loadProfiles resolves ids through the loader, in order.
func (dl *DataLoaders) loadProfiles(ctx context.Context, ids ...int) ([]model.Profile, error) {
	out, errs := dl.ProfileLoader.LoadMany(ctx, ids)()
	profiles := make([]model.Profile, len(ids))
	for i := range ids {
		if i < len(errs) && errs[i] != nil {
			return nil, errs[i]
		}
		profiles[i] = *out[i]
	}
	return profiles, nil
}
