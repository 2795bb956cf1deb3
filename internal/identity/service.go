package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

// Service resolves bearer tokens into actors. Role lookups are cached in
// Redis so hot callers do not hit the directory tables on every request.
type Service struct {
	repo  Repository
	cache *redis.Client
	ttl   time.Duration
	group singleflight.Group
}

// NewService constructs the identity service. cache may be nil.
func NewService(repo Repository, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{repo: repo, cache: cache, ttl: ttl}
}

// Resolve verifies a token of the form "<token_id>.<secret>" and returns the
// actor with its effective roles.
func (s *Service) Resolve(ctx context.Context, token string) (Actor, error) {
	tokenID, secret, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || tokenID == "" || secret == "" {
		return Actor{}, ErrInvalidToken
	}
	rec, err := s.repo.FindByTokenID(ctx, tokenID)
	if err != nil {
		return Actor{}, err
	}
	if !rec.Active {
		return Actor{}, ErrInactiveActor
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.TokenHash), []byte(secret)); err != nil {
		return Actor{}, ErrInvalidToken
	}
	roles, err := s.effectiveRoles(ctx, rec.ID)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: rec.ID, Name: rec.Name, Roles: roles}, nil
}

// InvalidateRoles drops the cached role set for an actor after grants change.
func (s *Service) InvalidateRoles(ctx context.Context, actorID int64) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, roleCacheKey(actorID)).Err()
}

func (s *Service) effectiveRoles(ctx context.Context, actorID int64) ([]string, error) {
	key := roleCacheKey(actorID)
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key).Result()
		if err == nil {
			var roles []string
			if jsonErr := json.Unmarshal([]byte(raw), &roles); jsonErr == nil {
				return roles, nil
			}
		} else if err != redis.Nil {
			return nil, err
		}
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		roles, err := s.repo.RolesFor(ctx, actorID)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			if raw, jsonErr := json.Marshal(roles); jsonErr == nil {
				_ = s.cache.Set(ctx, key, raw, s.ttl).Err()
			}
		}
		return roles, nil
	})
	if err != nil {
		return nil, err
	}
	roles, _ := result.([]string)
	return roles, nil
}

func roleCacheKey(actorID int64) string {
	return fmt.Sprintf("identity:roles:%d", actorID)
}
