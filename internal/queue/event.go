package queue

import "time"

type EventType string

const (
	ProductCreated EventType = "product.created"
	ProductUpdated EventType = "product.updated"
	ProductDeleted EventType = "product.deleted"
)

// ProductEvent is published after a product mutation has been committed.
type ProductEvent struct {
	Type       EventType `json:"type"`
	ProductID  int       `json:"product_id"`
	UserID     int       `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e ProductEvent) Valid() bool {
	switch e.Type {
	case ProductCreated, ProductUpdated, ProductDeleted:
		return e.ProductID > 0
	default:
		return false
	}
}
