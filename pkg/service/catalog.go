package service

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
	"golang.org/x/sync/singleflight"
)

// CatalogStore is the read side of the analysis catalog.
type CatalogStore interface {
	GetAnalysisContext(usecase models.ContextUsecase, name string) (models.AnalysisContext, error)
	ListAnalyses(name string) ([]models.Analysis, error)
}

type contextKey struct {
	usecase models.ContextUsecase
	name    string
}

// CatalogCache is a process-local, read-mostly cache over the analysis
// catalog. Entries are filled on first miss and never invalidated; a miss is
// not cached so later catalog additions are still picked up.
type CatalogCache struct {
	store   CatalogStore
	metrics Metrics

	mu       sync.RWMutex
	contexts map[contextKey]models.AnalysisContext
	analyses map[string][]models.Analysis

	fills singleflight.Group
}

func NewCatalogCache(store CatalogStore, opts ...Option) *CatalogCache {
	o := buildOptions(opts)
	return &CatalogCache{
		store:    store,
		metrics:  o.metrics,
		contexts: make(map[contextKey]models.AnalysisContext),
		analyses: make(map[string][]models.Analysis),
	}
}

// Context resolves (usecase, name) to an AnalysisContext. A missing context
// returns an error wrapping ErrCatalogMiss.
func (c *CatalogCache) Context(usecase models.ContextUsecase, name string) (models.AnalysisContext, error) {
	key := contextKey{usecase: usecase, name: name}
	c.mu.RLock()
	cached, ok := c.contexts[key]
	c.mu.RUnlock()
	if ok {
		c.metrics.CatalogLookup("context", true)
		return cached, nil
	}
	c.metrics.CatalogLookup("context", false)

	v, err, _ := c.fills.Do("context/"+string(usecase)+"/"+name, func() (interface{}, error) {
		ctx, err := c.store.GetAnalysisContext(usecase, name)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.contexts[key] = ctx
		c.mu.Unlock()
		return ctx, nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.AnalysisContext{}, errors.Wrapf(ErrCatalogMiss, "analysis context %s/%s", usecase, name)
	}
	if err != nil {
		return models.AnalysisContext{}, errors.Wrapf(err, "load analysis context %s/%s", usecase, name)
	}
	return v.(models.AnalysisContext), nil
}

// Analyses returns every active Analysis cataloged under name.
func (c *CatalogCache) Analyses(name string) ([]models.Analysis, error) {
	c.mu.RLock()
	cached, ok := c.analyses[name]
	c.mu.RUnlock()
	if ok {
		c.metrics.CatalogLookup("analysis", true)
		return cached, nil
	}
	c.metrics.CatalogLookup("analysis", false)

	v, err, _ := c.fills.Do("analysis/"+name, func() (interface{}, error) {
		list, err := c.store.ListAnalyses(name)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return list, nil
		}
		c.mu.Lock()
		c.analyses[name] = list
		c.mu.Unlock()
		return list, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load analyses %s", name)
	}
	return v.([]models.Analysis), nil
}

// SelectAnalysis returns the latest Analysis called name that references every
// context in filter. Candidates are ordered by semantic version; versions that
// do not parse, or compare equal, fall back to the catalog id.
func (c *CatalogCache) SelectAnalysis(name string, filter ...models.AnalysisContext) (models.Analysis, error) {
	return c.selectLatest(name, func(a models.Analysis) bool {
		return a.HasContexts(filter)
	}, "analysis %s with %d context(s)", name, len(filter))
}

// SelectUnscopedAnalysis returns the latest Analysis called name that carries
// no approval context.
func (c *CatalogCache) SelectUnscopedAnalysis(name string) (models.Analysis, error) {
	return c.selectLatest(name, func(a models.Analysis) bool {
		return !a.HasUsecase(models.ApprovalUsecase)
	}, "unscoped analysis %s", name)
}

func (c *CatalogCache) selectLatest(name string, keep func(models.Analysis) bool, missFormat string, missArgs ...interface{}) (models.Analysis, error) {
	list, err := c.Analyses(name)
	if err != nil {
		return models.Analysis{}, err
	}
	candidates := make([]models.Analysis, 0, len(list))
	for _, a := range list {
		if keep(a) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return models.Analysis{}, errors.Wrapf(ErrCatalogMiss, missFormat, missArgs...)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return analysisLess(candidates[i], candidates[j])
	})
	return candidates[len(candidates)-1], nil
}

// analysisLess orders analyses oldest first.
func analysisLess(a, b models.Analysis) bool {
	va, errA := semver.NewVersion(a.Version)
	vb, errB := semver.NewVersion(b.Version)
	switch {
	case errA == nil && errB == nil:
		if cmp := va.Compare(vb); cmp != 0 {
			return cmp < 0
		}
	case errA == nil:
		// a parseable version sorts after an unparseable one
		return false
	case errB == nil:
		return true
	}
	return a.ID < b.ID
}
