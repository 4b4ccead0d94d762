package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/storefront/orderflow/internal/platform/config"
	"github.com/storefront/orderflow/internal/platform/observability"
	"github.com/storefront/orderflow/internal/repositories"
	"github.com/storefront/orderflow/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Inventory  services.InventoryService
	Lifecycle  services.OrderLifecycleService
	Approvals  services.ApprovalService
	Checkout   services.CheckoutService
	Orders     services.OrderQueryService
	Reconciler services.PaymentReconciler
	Jobs       services.ScheduledJobRunner
	System     services.SystemService
}

// Dependencies carries the runtime collaborators that do not live in the repository registry.
// Events and Archive may be nil; Payments is required.
type Dependencies struct {
	Payments services.PaymentGateway
	Events   services.OrderEventPublisher
	Archive  services.WebhookArchiver
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the in-memory registry.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payment gateway is required")
	}

	svc, err := buildServices(ctx, cfg, reg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// WithInventory swaps the stock ledger of reg, e.g. for the Redis ledger on a memory backend.
func WithInventory(reg repositories.Registry, inventory repositories.InventoryRepository) repositories.Registry {
	if reg == nil || inventory == nil {
		return reg
	}
	return ledgerRegistry{Registry: reg, inventory: inventory}
}

type ledgerRegistry struct {
	repositories.Registry
	inventory repositories.InventoryRepository
}

func (r ledgerRegistry) Inventory() repositories.InventoryRepository { return r.inventory }

func buildServices(_ context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (Services, error) {
	var svc Services

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	base := deps.Logger
	if base == nil {
		base = zap.NewNop()
	}
	eventLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(base.Named(name))
	}

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Clock:     clock,
		Logger:    eventLogger("inventory"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	lifecycleSvc, err := services.NewOrderLifecycleService(services.OrderLifecycleServiceDeps{
		Orders:    reg.Orders(),
		Approvals: reg.Approvals(),
		Jobs:      reg.Jobs(),
		Inventory: inventorySvc,
		Events:    deps.Events,
		Metrics:   deps.Metrics,
		Policy: services.LifecyclePolicy{
			CancelGraceWindow:     cfg.Lifecycle.CancelGraceWindow,
			MinDeliveryDelay:      cfg.Lifecycle.MinDeliveryDelay,
			AutoDeliverAfter:      cfg.Lifecycle.AutoDeliverAfter,
			ApprovalTTL:           cfg.Lifecycle.ApprovalTTL,
			RequiredApprovals:     cfg.Lifecycle.RequiredApprovals,
			MaxConcurrencyRetries: cfg.Lifecycle.MaxConcurrencyRetries,
		},
		JobMaxAttempts: cfg.Jobs.MaxAttempts,
		Clock:          clock,
		Logger:         eventLogger("lifecycle"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build lifecycle service: %w", err)
	}
	svc.Lifecycle = lifecycleSvc

	approvalSvc, err := services.NewApprovalService(services.ApprovalServiceDeps{
		Approvals: reg.Approvals(),
		Jobs:      reg.Jobs(),
		Lifecycle: lifecycleSvc,
		Clock:     clock,
		Logger:    eventLogger("approvals"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build approval service: %w", err)
	}
	svc.Approvals = approvalSvc

	checkoutSvc, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:    reg.Orders(),
		Counters:  reg.Counters(),
		Lifecycle: lifecycleSvc,
		Payments:  deps.Payments,
		Events:    deps.Events,
		Clock:     clock,
		Logger:    eventLogger("checkout"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkoutSvc

	querySvc, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{Orders: reg.Orders()})
	if err != nil {
		return Services{}, fmt.Errorf("build order query service: %w", err)
	}
	svc.Orders = querySvc

	reconciler, err := services.NewPaymentReconciler(services.PaymentReconcilerDeps{
		Events:    reg.PaymentEvents(),
		Lifecycle: lifecycleSvc,
		Payments:  deps.Payments,
		Archive:   deps.Archive,
		Metrics:   deps.Metrics,
		Clock:     clock,
		Logger:    eventLogger("payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment reconciler: %w", err)
	}
	svc.Reconciler = reconciler

	runner, err := services.NewScheduledJobRunner(services.ScheduledJobRunnerDeps{
		Jobs:        reg.Jobs(),
		Lifecycle:   lifecycleSvc,
		Approvals:   approvalSvc,
		Payments:    deps.Payments,
		Metrics:     deps.Metrics,
		Lease:       cfg.Jobs.Lease,
		RetryDelay:  cfg.Jobs.RetryDelay,
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Clock:       clock,
		Logger:      eventLogger("jobs"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build job runner: %w", err)
	}
	svc.Jobs = runner

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{Health: healthRepo})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
