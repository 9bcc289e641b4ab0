// Package guards implements the supplemented Guard Violation recording
// service: spec.md §3 names the GuardViolation entity but §4 never
// assigns it an owning component. Record persists one check invocation
// and bumps the matching recipes' guardHitCount, modeled on the
// teacher's internal/usage + internal/store pairing.
package guards

import (
	"context"
	"time"

	"github.com/knowledgeengine/core/internal/domain"
	"github.com/knowledgeengine/core/internal/logging"
	"github.com/knowledgeengine/core/internal/pathguard"
	"github.com/knowledgeengine/core/internal/repository"
	"github.com/knowledgeengine/core/internal/usage"
)

// Service records guard-check outcomes.
type Service struct {
	violations *repository.GuardViolationRepository
	recipes    *repository.RecipeRepository
	tracker    *usage.Tracker
}

// NewService constructs a Service. tracker may be nil — heat bumping is
// then simply skipped.
func NewService(violations *repository.GuardViolationRepository, recipes *repository.RecipeRepository, tracker *usage.Tracker) *Service {
	return &Service{violations: violations, recipes: recipes, tracker: tracker}
}

// Record persists one GuardViolation for fileChecked and, for every hit
// naming a recipe, bumps that recipe's guardHitCount and usage heat.
func (s *Service) Record(ctx context.Context, fileChecked string, hits []domain.ViolationHit) (*domain.GuardViolation, error) {
	v := domain.NewGuardViolation(pathguard.NewID("guard"), fileChecked, hits)
	if err := s.violations.Create(v); err != nil {
		return nil, err
	}

	for _, hit := range hits {
		if hit.RecipeID == "" {
			continue
		}
		if err := s.bumpRecipe(hit.RecipeID, fileChecked); err != nil {
			logging.Get(logging.CategoryGuards).Warn("bump guard hit count for %s: %v", hit.RecipeID, err)
		}
	}

	return v, nil
}

func (s *Service) bumpRecipe(recipeID, fileChecked string) error {
	rec, err := s.recipes.Get(recipeID)
	if err != nil {
		return err
	}
	rec.Stats.GuardHitCount++
	rec.UpdatedAt = time.Now().UTC()
	if err := s.recipes.Update(rec); err != nil {
		return err
	}

	if s.tracker == nil {
		return nil
	}
	return s.tracker.RecordUsage(usage.RecordOptions{
		Trigger:        rec.Trigger,
		RecipeFilePath: fileChecked,
		Source:         usage.SourceGuard,
	})
}
