package matching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/wavematch/internal/request/domain"
)

const defaultListingPrefix = "listings:"

var errInvalidListing = errors.New("invalid listing record")

// RedisListingSource indexes listings in one Redis GEO set per category and
// keeps listing attributes in a hash per listing.
type RedisListingSource struct {
	client redis.Cmdable
	prefix string
}

// NewRedisListingSource constructs a Redis-backed listing source.
func NewRedisListingSource(client redis.Cmdable, prefix string) *RedisListingSource {
	if prefix == "" {
		prefix = defaultListingPrefix
	}
	return &RedisListingSource{client: client, prefix: prefix}
}

func (r *RedisListingSource) geoKey(categoryID uuid.UUID) string {
	return r.prefix + "geo:" + categoryID.String()
}

func (r *RedisListingSource) listingKey(listingID uuid.UUID) string {
	return r.prefix + "listing:" + listingID.String()
}

func (r *RedisListingSource) providerKey(providerID uuid.UUID) string {
	return r.prefix + "provider:" + providerID.String()
}

// UpsertListing writes the listing attributes and its location.
func (r *RedisListingSource) UpsertListing(ctx context.Context, l domain.Listing) error {
	if r == nil || r.client == nil {
		return errors.New("redis listing source not configured")
	}
	prev, err := r.client.HMGet(ctx, r.listingKey(l.ID), "category_id", "provider_id").Result()
	if err != nil {
		return fmt.Errorf("redis hmget: %w", err)
	}

	sub := ""
	if l.SubCategoryID != nil {
		sub = l.SubCategoryID.String()
	}
	active := "0"
	if l.Active {
		active = "1"
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if oldCat, ok := prev[0].(string); ok && oldCat != l.CategoryID.String() {
			pipe.ZRem(ctx, r.prefix+"geo:"+oldCat, l.ID.String())
		}
		if oldProvider, ok := prev[1].(string); ok && oldProvider != l.ProviderID.String() {
			pipe.SRem(ctx, r.prefix+"provider:"+oldProvider, l.ID.String())
		}
		pipe.HSet(ctx, r.listingKey(l.ID), map[string]any{
			"provider_id":     l.ProviderID.String(),
			"provider_name":   l.ProviderName,
			"category_id":     l.CategoryID.String(),
			"sub_category_id": sub,
			"lat":             strconv.FormatFloat(l.Location.Lat, 'f', -1, 64),
			"lng":             strconv.FormatFloat(l.Location.Lng, 'f', -1, 64),
			"price_cents":     strconv.FormatInt(l.PriceCents, 10),
			"unit":            string(l.Unit),
			"active":          active,
		})
		pipe.GeoAdd(ctx, r.geoKey(l.CategoryID), &redis.GeoLocation{
			Name:      l.ID.String(),
			Longitude: l.Location.Lng,
			Latitude:  l.Location.Lat,
		})
		pipe.SAdd(ctx, r.providerKey(l.ProviderID), l.ID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert listing: %w", err)
	}
	return nil
}

// RemoveListing drops the listing from every index.
func (r *RedisListingSource) RemoveListing(ctx context.Context, listingID uuid.UUID) error {
	prev, err := r.client.HMGet(ctx, r.listingKey(listingID), "category_id", "provider_id").Result()
	if err != nil {
		return fmt.Errorf("redis hmget: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if cat, ok := prev[0].(string); ok {
			pipe.ZRem(ctx, r.prefix+"geo:"+cat, listingID.String())
		}
		if provider, ok := prev[1].(string); ok {
			pipe.SRem(ctx, r.prefix+"provider:"+provider, listingID.String())
		}
		pipe.Del(ctx, r.listingKey(listingID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove listing: %w", err)
	}
	return nil
}

// FindActiveListings runs GEORADIUS against the category set, nearest first.
func (r *RedisListingSource) FindActiveListings(ctx context.Context, q domain.CandidateQuery) ([]domain.ListingMatch, error) {
	if r == nil || r.client == nil {
		return nil, errors.New("redis listing source not configured")
	}
	locations, err := r.client.GeoRadius(ctx, r.geoKey(q.CategoryID), q.Origin.Lng, q.Origin.Lat, &redis.GeoRadiusQuery{
		Radius:   q.RadiusMeters,
		Unit:     "m",
		WithDist: true,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}
	if len(locations) == 0 {
		return nil, nil
	}

	excluded := make(map[uuid.UUID]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}

	ids := make([]uuid.UUID, 0, len(locations))
	dist := make(map[uuid.UUID]float64, len(locations))
	for _, loc := range locations {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidListing, loc.Name)
		}
		ids = append(ids, id)
		dist[id] = loc.Dist
	}

	listings, err := r.loadListings(ctx, ids)
	if err != nil {
		return nil, err
	}
	matches := make([]domain.ListingMatch, 0, len(listings))
	for _, l := range listings {
		if !l.Active || !l.Offers(q.CategoryID, q.SubCategoryID) {
			continue
		}
		if _, skip := excluded[l.ProviderID]; skip {
			continue
		}
		matches = append(matches, domain.ListingMatch{Listing: l, DistanceMeters: dist[l.ID]})
	}
	return matches, nil
}

// ProviderListing returns the provider's active listing for the category,
// picking the lowest listing id when several match.
func (r *RedisListingSource) ProviderListing(ctx context.Context, providerID, categoryID uuid.UUID, subCategoryID *uuid.UUID) (domain.Listing, bool, error) {
	members, err := r.client.SMembers(ctx, r.providerKey(providerID)).Result()
	if err != nil {
		return domain.Listing{}, false, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(members)
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			return domain.Listing{}, false, fmt.Errorf("%w: %s", errInvalidListing, m)
		}
		ids = append(ids, id)
	}
	listings, err := r.loadListings(ctx, ids)
	if err != nil {
		return domain.Listing{}, false, err
	}
	for _, l := range listings {
		if l.ProviderID == providerID && l.Active && l.Offers(categoryID, subCategoryID) {
			return l, true, nil
		}
	}
	return domain.Listing{}, false, nil
}

// loadListings fetches listing hashes in one round trip, preserving order and
// skipping ids whose hash no longer exists.
func (r *RedisListingSource) loadListings(ctx context.Context, ids []uuid.UUID) ([]domain.Listing, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.listingKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis load listings: %w", err)
	}
	out := make([]domain.Listing, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		l, err := parseListing(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func parseListing(id uuid.UUID, f map[string]string) (domain.Listing, error) {
	l := domain.Listing{ID: id, ProviderName: f["provider_name"], Unit: domain.UnitOfMeasure(f["unit"]), Active: f["active"] == "1"}
	var err error
	if l.ProviderID, err = uuid.Parse(f["provider_id"]); err != nil {
		return l, fmt.Errorf("%w: %s provider_id", errInvalidListing, id)
	}
	if l.CategoryID, err = uuid.Parse(f["category_id"]); err != nil {
		return l, fmt.Errorf("%w: %s category_id", errInvalidListing, id)
	}
	if raw := f["sub_category_id"]; raw != "" {
		sub, err := uuid.Parse(raw)
		if err != nil {
			return l, fmt.Errorf("%w: %s sub_category_id", errInvalidListing, id)
		}
		l.SubCategoryID = &sub
	}
	if l.Location.Lat, err = strconv.ParseFloat(f["lat"], 64); err != nil {
		return l, fmt.Errorf("%w: %s lat", errInvalidListing, id)
	}
	if l.Location.Lng, err = strconv.ParseFloat(f["lng"], 64); err != nil {
		return l, fmt.Errorf("%w: %s lng", errInvalidListing, id)
	}
	if l.PriceCents, err = strconv.ParseInt(f["price_cents"], 10, 64); err != nil {
		return l, fmt.Errorf("%w: %s price_cents", errInvalidListing, id)
	}
	return l, nil
}
