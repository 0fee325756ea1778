package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/KrishnaShettyDev/cortex/internal/cache"
	"github.com/KrishnaShettyDev/cortex/internal/model"
	"github.com/KrishnaShettyDev/cortex/internal/registry/store"
)

// Profile is the derived per (user, container) view of extracted facts.
type Profile struct {
	Static  []string `json:"static"`
	Dynamic []string `json:"dynamic"`
}

const (
	// dynamicFactWindow is how far back dynamic facts remain part of the
	// profile before they decay out.
	dynamicFactWindow = 30 * 24 * time.Hour
	maxDynamicFacts   = 50
)

// ProfileService assembles profiles from fact storage, fronted by the
// profile cache. A profile is never mutated in place; on a miss it is
// recomputed and re-cached.
type ProfileService struct {
	store  store.MemoryStore
	caches *cache.Caches
}

func NewProfileService(s store.MemoryStore, c *cache.Caches) *ProfileService {
	return &ProfileService{store: s, caches: c}
}

func (p *ProfileService) GetProfile(ctx context.Context, ownerID, containerTag string) (*Profile, error) {
	key := cache.ProfileKey(ownerID, containerTag)
	var cached Profile
	if p.caches.GetProfile(ctx, key, &cached) {
		return &cached, nil
	}

	facts, err := p.store.ListFacts(ctx, ownerID, containerTag)
	if err != nil {
		return nil, fmt.Errorf("listing facts: %w", err)
	}

	profile := buildProfile(facts, time.Now())
	p.caches.SetProfile(ctx, key, profile)
	return profile, nil
}

func buildProfile(facts []model.Fact, now time.Time) *Profile {
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].CreatedAt.After(facts[j].CreatedAt)
	})

	profile := &Profile{Static: []string{}, Dynamic: []string{}}
	seen := map[string]bool{}
	cutoff := now.Add(-dynamicFactWindow)

	for _, f := range facts {
		if seen[f.Content] {
			continue
		}
		seen[f.Content] = true
		switch f.Kind {
		case model.FactStatic:
			profile.Static = append(profile.Static, f.Content)
		case model.FactDynamic:
			if f.CreatedAt.Before(cutoff) || len(profile.Dynamic) >= maxDynamicFacts {
				continue
			}
			profile.Dynamic = append(profile.Dynamic, f.Content)
		}
	}
	return profile
}
