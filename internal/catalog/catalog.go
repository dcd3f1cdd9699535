package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/example/wavematch/internal/request/domain"
)

// DefaultKey is the Redis hash mapping category ids to display names.
const DefaultKey = "catalog:categories"

// Catalog serves category display names from a Redis hash behind a small
// expiring LRU. Names are the only data cached across calls.
type Catalog struct {
	client redis.Cmdable
	key    string
	cache  *expirable.LRU[uuid.UUID, string]
}

// New builds a Catalog. size and ttl bound the in-process cache.
func New(client redis.Cmdable, key string, size int, ttl time.Duration) *Catalog {
	if key == "" {
		key = DefaultKey
	}
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{
		client: client,
		key:    key,
		cache:  expirable.NewLRU[uuid.UUID, string](size, nil, ttl),
	}
}

// CategoryName satisfies domain.CategoryCatalog.
func (c *Catalog) CategoryName(ctx context.Context, categoryID uuid.UUID) (string, error) {
	if name, ok := c.cache.Get(categoryID); ok {
		return name, nil
	}
	name, err := c.client.HGet(ctx, c.key, categoryID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: category %s", domain.ErrNotFound, categoryID)
	}
	if err != nil {
		return "", domain.Dependency("load category", err)
	}
	c.cache.Add(categoryID, name)
	return name, nil
}

// SetCategoryName writes a name through to Redis and the cache.
func (c *Catalog) SetCategoryName(ctx context.Context, categoryID uuid.UUID, name string) error {
	if err := c.client.HSet(ctx, c.key, categoryID.String(), name).Err(); err != nil {
		return fmt.Errorf("store category: %w", err)
	}
	c.cache.Add(categoryID, name)
	return nil
}
