package address

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/wavematch/internal/request/domain"
)

// RedisBook resolves saved seeker addresses stored as Redis hashes at
// "<prefix><user>:<address>" with lat and lng fields.
type RedisBook struct {
	client redis.Cmdable
	prefix string
}

func NewRedisBook(client redis.Cmdable, prefix string) *RedisBook {
	if prefix == "" {
		prefix = "address:"
	}
	return &RedisBook{client: client, prefix: prefix}
}

func (b *RedisBook) key(userID, addressID uuid.UUID) string {
	return b.prefix + userID.String() + ":" + addressID.String()
}

// ResolveAddress returns explicit coordinates as given; otherwise it loads the
// user's saved address.
func (b *RedisBook) ResolveAddress(ctx context.Context, userID uuid.UUID, addressID *uuid.UUID, point *domain.GeoPoint) (domain.Address, error) {
	if point != nil {
		return domain.Address{ID: addressID, Point: *point}, nil
	}
	if addressID == nil {
		return domain.Address{}, fmt.Errorf("%w: address_id or coordinates required", domain.ErrValidation)
	}
	fields, err := b.client.HGetAll(ctx, b.key(userID, *addressID)).Result()
	if err != nil {
		return domain.Address{}, domain.Dependency("load address", err)
	}
	if len(fields) == 0 {
		return domain.Address{}, fmt.Errorf("%w: unknown address %s", domain.ErrValidation, addressID)
	}
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return domain.Address{}, fmt.Errorf("parse address lat: %w", err)
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return domain.Address{}, fmt.Errorf("parse address lng: %w", err)
	}
	id := *addressID
	return domain.Address{ID: &id, Point: domain.GeoPoint{Lat: lat, Lng: lng}}, nil
}

// SaveAddress stores or replaces a user's address.
func (b *RedisBook) SaveAddress(ctx context.Context, userID, addressID uuid.UUID, point domain.GeoPoint) error {
	return b.client.HSet(ctx, b.key(userID, addressID),
		"lat", strconv.FormatFloat(point.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(point.Lng, 'f', -1, 64),
	).Err()
}
