package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiation/internal/models"
)

// RedisRegistry implements Registry on Redis GEO commands so multiple engine
// nodes share one provider pool. Position lives in a GEO set keyed by
// provider id; availability flags and metadata live in a hash per provider.
type RedisRegistry struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisRegistry(addr, password, key string) *RedisRegistry {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisRegistry{client: c, key: key, ctx: context.Background()}
}

func (r *RedisRegistry) Upsert(p models.Presence) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.ProviderID}).Result()
	meta := map[string]interface{}{
		"user_id": p.UserID,
		"rating":  strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"vehicle": p.Vehicle,
		"updated": time.Now().Format(time.RFC3339),
	}
	// location updates do not reset availability flags: false means unset
	// here, SetOffline flips the flag explicitly
	if p.Online {
		meta["online"] = "true"
	}
	if p.Approved {
		meta["approved"] = "true"
	}
	_ = r.client.HSet(r.ctx, metaKey(p.ProviderID), meta).Err()
}

func (r *RedisRegistry) SetOnline(providerID string) {
	_ = r.client.HSet(r.ctx, metaKey(providerID), "online", "true", "updated", time.Now().Format(time.RFC3339)).Err()
}

func (r *RedisRegistry) SetOffline(providerID string) {
	_ = r.client.HSet(r.ctx, metaKey(providerID), "online", "false", "updated", time.Now().Format(time.RFC3339)).Err()
}

func (r *RedisRegistry) Remove(providerID string) {
	_ = r.client.ZRem(r.ctx, r.key, providerID).Err()
	_ = r.client.Del(r.ctx, metaKey(providerID)).Err()
}

func (r *RedisRegistry) Get(providerID string) (models.Presence, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(providerID)).Result()
	if err != nil || len(m) == 0 {
		return models.Presence{}, false
	}
	p := models.Presence{ProviderID: providerID}
	fillMeta(&p, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, providerID).Result(); err == nil && len(pos) > 0 && pos[0] != nil {
		p.Loc = models.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return p, true
}

func (r *RedisRegistry) Nearby(at models.Point, radiusMeters float64, limit int) []models.Presence {
	// over-fetch: offline or unapproved entries are filtered after the
	// radius query, so Count alone could starve the result set
	res, err := r.client.GeoRadius(r.ctx, r.key, at.Lng, at.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit * 3, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Presence, 0, limit)
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		p := models.Presence{ProviderID: g.Name}
		p.Loc = models.Point{Lat: g.Latitude, Lng: g.Longitude}
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		fillMeta(&p, m)
		if !p.Online || !p.Approved {
			continue
		}
		out = append(out, p)
	}
	return out
}

func fillMeta(p *models.Presence, m map[string]string) {
	p.UserID = m["user_id"]
	p.Vehicle = m["vehicle"]
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.Rating = f
		}
	}
	p.Online = m["online"] == "true"
	p.Approved = m["approved"] == "true"
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			p.Updated = t
		}
	}
}

func metaKey(id string) string { return "provider:meta:" + id }
