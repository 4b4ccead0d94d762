// Package memory provides process-local repositories for local development and tests.
package memory

import (
	"context"
	"time"

	"github.com/storefront/orderflow/internal/repositories"
)

// Registry bundles the in-memory repositories.
type Registry struct {
	orders    *OrderRepository
	inventory *InventoryRepository
	events    *PaymentEventRepository
	approvals *ApprovalRepository
	jobs      *ScheduledJobRepository
	counters  *CounterRepository
	health    repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs a registry whose repositories share nothing but the process.
func NewRegistry() *Registry {
	health, _ := repositories.NewProbeHealthRepository([]repositories.DependencyProbe{{
		Name: "memory",
		Ping: func(context.Context) error { return nil },
	}}, time.Now)
	return &Registry{
		orders:    NewOrderRepository(),
		inventory: NewInventoryRepository(),
		events:    NewPaymentEventRepository(),
		approvals: NewApprovalRepository(),
		jobs:      NewScheduledJobRepository(),
		counters:  NewCounterRepository(),
		health:    health,
	}
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

func (r *Registry) PaymentEvents() repositories.PaymentEventRepository { return r.events }

func (r *Registry) Approvals() repositories.ApprovalRepository { return r.approvals }

func (r *Registry) Jobs() repositories.ScheduledJobRepository { return r.jobs }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// Ledger exposes the concrete inventory repository for seeding stock.
func (r *Registry) Ledger() *InventoryRepository { return r.inventory }
