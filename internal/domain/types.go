package domain

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// ActorKind identifies who initiated a change.
type ActorKind string

const (
	// ActorUser is an authenticated storefront customer.
	ActorUser ActorKind = "user"
	// ActorStaff is an operator acting through the admin API.
	ActorStaff ActorKind = "staff"
	// ActorSystem is the service itself (scheduled jobs, compensation).
	ActorSystem ActorKind = "system"
	// ActorProvider is a payment provider delivering a webhook.
	ActorProvider ActorKind = "provider"
)

// Actor identifies the principal requesting a transition.
type Actor struct {
	ID    string
	Kind  ActorKind
	Roles []string
}

// HasAnyRole reports whether the actor carries at least one of the provided roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range a.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

// String renders the actor as "<kind>:<id>" for history entries and logs.
func (a Actor) String() string {
	if a.ID == "" {
		return string(a.Kind)
	}
	return string(a.Kind) + ":" + a.ID
}

// SystemActor returns the actor used for scheduled and compensating work.
func SystemActor(id string) Actor {
	return Actor{ID: id, Kind: ActorSystem}
}

// Address is a postal address snapshot captured on the order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Contact stores the customer contact snapshot used by notifications.
type Contact struct {
	Email  string
	Locale string
}
