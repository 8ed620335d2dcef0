package product

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"marketplace_api/internal/apperror"
)

const (
	SortNewest    = "newest"
	SortPriceLow  = "price_low"
	SortPriceHigh = "price_high"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

const productColumns = "id, user_id, name, price, description, category, image_url, created_at, updated_at, deleted_at"

var orderings = map[string]string{
	SortNewest:    "created_at DESC, id DESC",
	SortPriceLow:  "price ASC, id ASC",
	SortPriceHigh: "price DESC, id DESC",
}

// ListFilter is the set of optional listing inputs. Nil or empty fields
// contribute no condition.
type ListFilter struct {
	Search   *string
	Category *string
	MinPrice *float64
	MaxPrice *float64
	OwnerID  *int
	Sort     string
	Page     int
	Limit    int
}

// ListQuery is a parameterized WHERE/ORDER BY pair plus pagination.
// Filter values only ever appear in Args.
type ListQuery struct {
	Where   string
	OrderBy string
	Args    []any
	Page    int
	Limit   int
	Offset  int
}

// BuildListQuery assembles the listing predicate. Soft-deleted rows are always
// excluded, then search, category, min price, max price and owner are AND-ed in
// that order. Unknown or empty sort values fall back to newest first.
func BuildListQuery(f ListFilter) ListQuery {
	conditions := []string{"deleted_at IS NULL"}
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Search != nil {
		if term := strings.TrimSpace(*f.Search); term != "" {
			p := bind("%" + escapeLike(term) + "%")
			conditions = append(conditions, fmt.Sprintf("(name ILIKE %s OR description ILIKE %s)", p, p))
		}
	}
	if f.Category != nil {
		if category := strings.TrimSpace(*f.Category); category != "" {
			conditions = append(conditions, "category = "+bind(category))
		}
	}
	if f.MinPrice != nil {
		conditions = append(conditions, "price >= "+bind(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		conditions = append(conditions, "price <= "+bind(*f.MaxPrice))
	}
	if f.OwnerID != nil {
		conditions = append(conditions, "user_id = "+bind(*f.OwnerID))
	}

	orderBy, ok := orderings[f.Sort]
	if !ok {
		orderBy = orderings[SortNewest]
	}

	page, limit := clampPagination(f.Page, f.Limit)

	return ListQuery{
		Where:   strings.Join(conditions, " AND "),
		OrderBy: orderBy,
		Args:    args,
		Page:    page,
		Limit:   limit,
		Offset:  (page - 1) * limit,
	}
}

func clampPagination(page, limit int) (int, int) {
	if page < 1 {
		page = DefaultPage
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return page, limit
}

// SelectSQL returns the page query; LIMIT and OFFSET are bound after the filter args.
func (q ListQuery) SelectSQL() (string, []any) {
	n := len(q.Args)
	query := fmt.Sprintf("SELECT %s FROM products WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d",
		productColumns, q.Where, q.OrderBy, n+1, n+2)

	args := make([]any, 0, n+2)
	args = append(args, q.Args...)
	args = append(args, q.Limit, q.Offset)
	return query, args
}

// CountSQL returns a query counting every row that matches the filter.
func (q ListQuery) CountSQL() (string, []any) {
	return "SELECT COUNT(*) FROM products WHERE " + q.Where, q.Args
}

// Fingerprint is a stable text form of the query used for cache keys.
func (q ListQuery) Fingerprint() string {
	query, args := q.SelectSQL()
	return fmt.Sprintf("%s|%v", query, args)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// ParseListFilter reads listing options from query parameters.
func ParseListFilter(values url.Values) (ListFilter, error) {
	var f ListFilter

	if v := values.Get("search"); v != "" {
		f.Search = &v
	}
	if v := values.Get("category"); v != "" {
		f.Category = &v
	}

	var err error
	if f.MinPrice, err = parsePrice(values, "min_price", "minPrice"); err != nil {
		return ListFilter{}, err
	}
	if f.MaxPrice, err = parsePrice(values, "max_price", "maxPrice"); err != nil {
		return ListFilter{}, err
	}
	if f.MinPrice != nil && f.MaxPrice != nil && *f.MinPrice > *f.MaxPrice {
		return ListFilter{}, apperror.Validation("min_price must not exceed max_price")
	}

	f.Sort = values.Get("sort")

	if f.Page, err = parseInt(values, "page"); err != nil {
		return ListFilter{}, err
	}
	if f.Limit, err = parseInt(values, "limit"); err != nil {
		return ListFilter{}, err
	}

	return f, nil
}

func parsePrice(values url.Values, keys ...string) (*float64, error) {
	for _, key := range keys {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, apperror.Validation(keys[0] + " must be a number")
		}
		return &v, nil
	}
	return nil, nil
}

func parseInt(values url.Values, key string) (int, error) {
	raw := values.Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.Validation(key + " must be an integer")
	}
	return v, nil
}
