package services

import (
	"context"
	"errors"

	"github.com/storefront/orderflow/internal/repositories"
)

// SystemServiceDeps bundles the collaborators required to construct a system service.
type SystemServiceDeps struct {
	Health repositories.HealthRepository
}

type systemService struct {
	health repositories.HealthRepository
}

// NewSystemService wires dependencies into a concrete SystemService implementation.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health repository is required")
	}
	return &systemService{health: deps.Health}, nil
}

func (s *systemService) Health(ctx context.Context) (DependencyReport, error) {
	return s.health.Collect(ctx)
}
