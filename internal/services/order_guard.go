package services

import (
	"fmt"
	"time"

	domain "github.com/storefront/orderflow/internal/domain"
)

// SideEffect names work the engine performs when a transition is allowed.
type SideEffect string

const (
	SideEffectReserveStock         SideEffect = "reserve_stock"
	SideEffectReleaseStock         SideEffect = "release_stock"
	SideEffectCommitStock          SideEffect = "commit_stock"
	SideEffectScheduleRefund       SideEffect = "schedule_refund"
	SideEffectScheduleAutoDelivery SideEffect = "schedule_auto_delivery"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
)

var elevatedRoles = []string{RoleAdmin, RoleManager}

// TransitionPolicy holds the time windows the guard enforces.
type TransitionPolicy struct {
	CancelGraceWindow time.Duration
	MinDeliveryDelay  time.Duration
}

// TransitionContext is everything the guard may look at. It performs no I/O.
type TransitionContext struct {
	Now                     time.Time
	CreatedAt               time.Time
	ShippedAt               *time.Time
	Actor                   Actor
	PaymentConfirmed        bool
	PaymentFailed           bool
	RefundRequired          bool
	ReservedStockSufficient bool
	TrackingRef             string
	DeliveryConfirmed       bool
	RetryAuthorized         bool
	Approved                bool
	Policy                  TransitionPolicy
}

// TransitionDecision is the guard's verdict. NeedsApproval implies !Allow.
type TransitionDecision struct {
	Allow         bool
	NeedsApproval bool
	SideEffects   []SideEffect
	RequiredRoles []string
	DenyReason    string
}

// EvaluateTransition decides whether from -> to may happen under tc.
func EvaluateTransition(from, to OrderStatus, tc TransitionContext) TransitionDecision {
	switch from {
	case domain.OrderStatusPending:
		switch to {
		case domain.OrderStatusPaid:
			if !tc.PaymentConfirmed {
				return deny("payment confirmation is required to mark the order paid")
			}
			return allow(SideEffectReserveStock)
		case domain.OrderStatusCancelled:
			if tc.Now.Sub(tc.CreatedAt) > tc.Policy.CancelGraceWindow {
				return deny(fmt.Sprintf("cancellation grace window of %s has elapsed", tc.Policy.CancelGraceWindow))
			}
			return allow()
		case domain.OrderStatusFailed:
			if !tc.PaymentFailed && !tc.RefundRequired {
				return deny("payment failure confirmation is required to mark the order failed")
			}
			if tc.RefundRequired {
				return allow(SideEffectScheduleRefund)
			}
			return allow()
		}
	case domain.OrderStatusPaid:
		switch to {
		case domain.OrderStatusProcessing:
			if !tc.ReservedStockSufficient {
				return deny("reserved stock is insufficient for one or more line items")
			}
			return allow()
		case domain.OrderStatusCancelled:
			return elevatedCancel(tc)
		}
	case domain.OrderStatusProcessing:
		switch to {
		case domain.OrderStatusShipped:
			if tc.TrackingRef == "" {
				return deny("a tracking reference is required to ship the order")
			}
			return allow(SideEffectCommitStock, SideEffectScheduleAutoDelivery)
		case domain.OrderStatusCancelled:
			return elevatedCancel(tc)
		}
	case domain.OrderStatusShipped:
		if to == domain.OrderStatusDelivered {
			if tc.DeliveryConfirmed {
				return allow()
			}
			if tc.ShippedAt == nil || tc.Now.Sub(*tc.ShippedAt) < tc.Policy.MinDeliveryDelay {
				return deny(fmt.Sprintf("delivery requires confirmation or %s since shipment", tc.Policy.MinDeliveryDelay))
			}
			return allow()
		}
	case domain.OrderStatusFailed:
		if to == domain.OrderStatusPending {
			if !tc.RetryAuthorized {
				return deny("a new payment attempt must be authorized")
			}
			return allow()
		}
	case domain.OrderStatusDelivered, domain.OrderStatusCancelled:
	}
	return deny(fmt.Sprintf("transition from %s to %s is not allowed", from, to))
}

func elevatedCancel(tc TransitionContext) TransitionDecision {
	if !tc.Actor.HasAnyRole(elevatedRoles...) {
		d := deny("cancelling a paid order requires an admin or manager")
		d.RequiredRoles = append([]string(nil), elevatedRoles...)
		return d
	}
	if !tc.Approved {
		return TransitionDecision{
			NeedsApproval: true,
			RequiredRoles: append([]string(nil), elevatedRoles...),
		}
	}
	return allow(SideEffectReleaseStock, SideEffectScheduleRefund)
}

func allow(effects ...SideEffect) TransitionDecision {
	return TransitionDecision{Allow: true, SideEffects: effects}
}

func deny(reason string) TransitionDecision {
	return TransitionDecision{DenyReason: reason}
}
