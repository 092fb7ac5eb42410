package registry

import (
	"errors"
	"fmt"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/scoring"
)

const defaultSimilarityThreshold = 0.7

var ErrInvalidThreshold = errors.New("similarity_threshold must be between 0 and 1")

// Mock builds the keyword and similarity heuristic served as "mock".
type Mock struct{}

func (Mock) New(cfg model.ServiceConfig) scoring.Strategy {
	threshold := defaultSimilarityThreshold
	if cfg.SimilarityThreshold != nil {
		threshold = *cfg.SimilarityThreshold
	}
	return scoring.Keyword{GradedBy: model.GradedByMock, SimilarityThreshold: threshold}
}

func (Mock) Describe() model.ServiceInfo {
	return model.ServiceInfo{
		Name:        FallbackService,
		DisplayName: "Mock (keyword matching)",
		Configured:  true,
	}
}

func (Mock) ValidateConfig(cfg model.ServiceConfig) error {
	if t := cfg.SimilarityThreshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("%w: %g", ErrInvalidThreshold, *t)
	}
	return nil
}
