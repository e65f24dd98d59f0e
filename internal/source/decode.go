package source

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
)

// v1 contract of the storefront API. Field names are fixed; records that do
// not match are skipped and counted rather than guessed at.

type productDTO struct {
	ID       int64            `json:"id" validate:"required,gt=0"`
	Title    string           `json:"title" validate:"required"`
	Price    *decimal.Decimal `json:"price" validate:"required,gte=0"`
	Category string           `json:"category" validate:"required"`
	Rating   *ratingDTO       `json:"rating" validate:"required"`
}

type ratingDTO struct {
	Rate  *decimal.Decimal `json:"rate" validate:"required,gte=0,lte=5"`
	Count int              `json:"count" validate:"gte=0"`
}

type cartDTO struct {
	ID       int64         `json:"id" validate:"required,gt=0"`
	UserID   int64         `json:"userId" validate:"required,gt=0"`
	Date     *time.Time    `json:"date" validate:"required"`
	Products []cartItemDTO `json:"products" validate:"required,dive"`
}

type cartItemDTO struct {
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	Quantity  int   `json:"quantity" validate:"required,gte=1"`
}

type userDTO struct {
	ID      int64       `json:"id" validate:"required,gt=0"`
	Address *addressDTO `json:"address"`
}

type addressDTO struct {
	City string `json:"city"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// decodeResult is the outcome of mapping one resource payload.
type decodeResult[T any] struct {
	Records []T
	Total   int
	Skipped int
	Reasons []string
}

// SkipRate is skipped/total, zero for an empty payload.
func (r decodeResult[T]) SkipRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Skipped) / float64(r.Total)
}

// decodeRecords splits a JSON array and maps each element independently so a
// single bad record never poisons the batch. A payload that is not an array
// is an error.
func decodeRecords[D any, T any](payload []byte, v *validator.Validate, mapFn func(D) T) (decodeResult[T], error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return decodeResult[T]{}, fmt.Errorf("payload is not a JSON array: %w", err)
	}

	result := decodeResult[T]{Records: make([]T, 0, len(raw)), Total: len(raw)}
	for i, item := range raw {
		var dto D
		if err := json.Unmarshal(item, &dto); err != nil {
			result.skip(i, err)
			continue
		}
		if err := v.Struct(dto); err != nil {
			result.skip(i, err)
			continue
		}
		result.Records = append(result.Records, mapFn(dto))
	}
	return result, nil
}

const maxSkipReasons = 5

func (r *decodeResult[T]) skip(index int, err error) {
	r.Skipped++
	if len(r.Reasons) < maxSkipReasons {
		r.Reasons = append(r.Reasons, fmt.Sprintf("record %d: %s", index, describe(err)))
	}
}

// dropRepeatedIDs keeps the first record for each id and counts later
// repeats as skipped.
func (r *decodeResult[T]) dropRepeatedIDs(id func(T) int64) {
	seen := make(map[int64]struct{}, len(r.Records))
	kept := r.Records[:0]
	for _, rec := range r.Records {
		key := id(rec)
		if _, dup := seen[key]; dup {
			r.Skipped++
			if len(r.Reasons) < maxSkipReasons {
				r.Reasons = append(r.Reasons, fmt.Sprintf("duplicate id %d", key))
			}
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, rec)
	}
	r.Records = kept
}

func describe(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func mapProduct(dto productDTO) catalog.Product {
	return catalog.Product{
		ID:          dto.ID,
		Title:       strings.TrimSpace(dto.Title),
		Category:    strings.TrimSpace(dto.Category),
		Price:       dto.Price.Round(2),
		Rating:      dto.Rating.Rate.Round(2),
		RatingCount: dto.Rating.Count,
	}
}

func productID(p catalog.Product) int64 { return p.ID }

func mapCart(dto cartDTO) catalog.Cart {
	items := make([]catalog.CartItem, 0, len(dto.Products))
	for _, item := range dto.Products {
		items = append(items, catalog.CartItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	return catalog.Cart{
		ID:     dto.ID,
		UserID: dto.UserID,
		Date:   dto.Date.UTC(),
		Items:  items,
	}
}

func mapUser(dto userDTO) catalog.User {
	city := catalog.UnknownCity
	if dto.Address != nil && strings.TrimSpace(dto.Address.City) != "" {
		city = strings.TrimSpace(dto.Address.City)
	}
	return catalog.User{ID: dto.ID, City: city}
}
