package product

import "time"

// DefaultCategory is stored when a product is created without a category.
const DefaultCategory = "Other"

type Product struct {
	ID          int        `json:"id"`
	UserID      int        `json:"user_id"`
	Name        string     `json:"name"`
	Price       float64    `json:"price"`
	Description string     `json:"description"`
	Category    string     `json:"category"`
	ImageURL    *string    `json:"image_url"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

type CreateInput struct {
	Name        string
	Price       *float64
	Description string
	Category    string
	ImageURL    *string
}

// Patch holds a partial update. Nil fields keep their stored value.
type Patch struct {
	Name        *string
	Price       *float64
	Description *string
	Category    *string
	ImageURL    *string
}

func (p Patch) Empty() bool {
	return p.Name == nil && p.Price == nil && p.Description == nil && p.Category == nil && p.ImageURL == nil
}

type ListResult struct {
	Items []*Product `json:"items"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
	Total int        `json:"total"`
}
