package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ErrAssignmentNotFound is returned for unknown assignment ids.
var ErrAssignmentNotFound = errors.New("assignment not found")

const policyCacheTTL = 10 * time.Minute

// AssignmentService serves the proctoring policy of an assignment from
// Redis, falling back to PostgreSQL and re-warming the cache.
type AssignmentService struct {
	repo        *repository.AssignmentRepository
	rdb         *redis.Client
	maxWarnings int
	log         zerolog.Logger
}

// NewAssignmentService creates a new AssignmentService. maxWarnings is the
// service-wide threshold used when an assignment carries none.
func NewAssignmentService(repo *repository.AssignmentRepository, rdb *redis.Client, maxWarnings int, log zerolog.Logger) *AssignmentService {
	return &AssignmentService{
		repo:        repo,
		rdb:         rdb,
		maxWarnings: maxWarnings,
		log:         log.With().Str("component", "assignment_service").Logger(),
	}
}

// GetPolicy returns the assignment with its effective proctoring settings.
func (s *AssignmentService) GetPolicy(ctx context.Context, id uuid.UUID) (*model.Assignment, error) {
	key := config.CacheKey.AssignmentPolicyKey(id.String())

	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var a model.Assignment
		if jsonErr := json.Unmarshal(raw, &a); jsonErr == nil {
			return s.withDefaults(&a), nil
		}
		s.log.Warn().Str("assignment_id", id.String()).Msg("Corrupt policy cache entry, reloading")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Policy cache unavailable, falling back to database")
	}

	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAssignmentNotFound
		}
		return nil, fmt.Errorf("get assignment: %w", err)
	}

	// Self-heal the cache.
	if data, err := json.Marshal(a); err == nil {
		if err := s.rdb.Set(ctx, key, data, policyCacheTTL).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to warm policy cache")
		}
	}

	return s.withDefaults(a), nil
}

func (s *AssignmentService) withDefaults(a *model.Assignment) *model.Assignment {
	if a.MaxWarnings <= 0 && s.maxWarnings > 0 {
		a.MaxWarnings = s.maxWarnings
	}
	return a
}
