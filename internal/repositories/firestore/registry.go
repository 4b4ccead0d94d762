// Package firestore implements the repositories on Cloud Firestore.
package firestore

import (
	"context"
	"errors"
	"time"

	pfirestore "github.com/storefront/orderflow/internal/platform/firestore"
	"github.com/storefront/orderflow/internal/repositories"
)

// Registry wires every Firestore repository behind repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	inventory repositories.InventoryRepository
	events    *PaymentEventRepository
	approvals *ApprovalRepository
	jobs      *ScheduledJobRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	inventory repositories.InventoryRepository
	probes    []repositories.DependencyProbe
	clock     func() time.Time
}

// WithInventory replaces the Firestore stock ledger, e.g. with the Redis ledger.
func WithInventory(inventory repositories.InventoryRepository) RegistryOption {
	return func(o *registryOptions) {
		o.inventory = inventory
	}
}

// WithHealthProbes adds readiness probes next to the Firestore ping.
func WithHealthProbes(probes ...repositories.DependencyProbe) RegistryOption {
	return func(o *registryOptions) {
		o.probes = append(o.probes, probes...)
	}
}

// WithClock overrides the clock stamped on health reports.
func WithClock(clock func() time.Time) RegistryOption {
	return func(o *registryOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewRegistry builds every repository against one provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	options := registryOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	events, err := NewPaymentEventRepository(provider)
	if err != nil {
		return nil, err
	}
	approvals, err := NewApprovalRepository(provider)
	if err != nil {
		return nil, err
	}
	jobs, err := NewScheduledJobRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	inventory := options.inventory
	if inventory == nil {
		inventory, err = NewInventoryRepository(provider)
		if err != nil {
			return nil, err
		}
	}

	probes := append([]repositories.DependencyProbe{{
		Name: "firestore",
		Ping: provider.Ping,
	}}, options.probes...)
	health, err := repositories.NewProbeHealthRepository(probes, options.clock)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:  provider,
		orders:    orders,
		inventory: inventory,
		events:    events,
		approvals: approvals,
		jobs:      jobs,
		counters:  counters,
		health:    health,
	}, nil
}

func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

func (r *Registry) PaymentEvents() repositories.PaymentEventRepository { return r.events }

func (r *Registry) Approvals() repositories.ApprovalRepository { return r.approvals }

func (r *Registry) Jobs() repositories.ScheduledJobRepository { return r.jobs }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }
