package aggregates

import (
	"fmt"
	"time"

	"github.com/agentworkforce/govsync/internal/cache"
	"github.com/agentworkforce/govsync/internal/clock"
	"github.com/agentworkforce/govsync/internal/retryhttp"
)

const DefaultOverviewTTL = 15 * time.Minute

// Register wires every endpoint, the groups fetcher (when non-nil) and the
// overview composite over all of them into c.
func Register(c *cache.Cache, client *retryhttp.Client, endpoints []Endpoint, groups *GroupsFetcher, clk clock.Clock) error {
	var keys []string
	for _, ep := range endpoints {
		src, err := NewHTTPSource(client, ep)
		if err != nil {
			return err
		}
		if err := c.Register(src.Source()); err != nil {
			return fmt.Errorf("register %s: %w", ep.Key, err)
		}
		keys = append(keys, ep.Key)
	}
	if groups != nil {
		if err := c.Register(groups.CacheSource()); err != nil {
			return fmt.Errorf("register %s: %w", GroupsKey, err)
		}
		keys = append(keys, GroupsKey)
	}
	if len(keys) == 0 {
		return nil
	}
	return c.RegisterComposite(OverviewComposite(keys, DefaultOverviewTTL, clk))
}
