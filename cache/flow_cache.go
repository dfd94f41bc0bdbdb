package cache

import (
	"context"
	"time"

	"github.com/mohitkumar/dripflow/flow"
	"github.com/mohitkumar/dripflow/persistence"
	c "github.com/patrickmn/go-cache"
)

// FlowCache keeps converted flow definitions so a tick does not reload the
// same flow for every contact. Flow counters are never read from it.
type FlowCache struct {
	cache *c.Cache
	store persistence.FlowStore
}

func NewFlowCache(store persistence.FlowStore, ttl time.Duration) *FlowCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &FlowCache{
		cache: c.New(ttl, 2*ttl),
		store: store,
	}
}

func (ch *FlowCache) GetFlow(ctx context.Context, flowId string) (*flow.Flow, error) {
	if cached, found := ch.cache.Get(flowId); found {
		return cached.(*flow.Flow), nil
	}
	def, err := ch.store.GetFlow(ctx, flowId)
	if err != nil {
		return nil, err
	}
	fl := flow.Convert(def)
	ch.cache.SetDefault(flowId, fl)
	return fl, nil
}

func (ch *FlowCache) Invalidate(flowId string) {
	ch.cache.Delete(flowId)
}
