// Package catalog holds the normalized records extracted from the storefront API.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnknownCity is used when a user record carries no address.
const UnknownCity = "Unknown"

type Product struct {
	ID          int64
	Title       string
	Category    string
	Price       decimal.Decimal
	Rating      decimal.Decimal
	RatingCount int
}

type CartItem struct {
	ProductID int64
	Quantity  int
}

type Cart struct {
	ID     int64
	UserID int64
	Date   time.Time
	Items  []CartItem
}

type User struct {
	ID   int64
	City string
}

// Snapshot is everything one fetch produced, plus per-resource skip counts.
type Snapshot struct {
	Products []Product
	Carts    []Cart
	Users    []User
	Skipped  map[string]int
}

// TotalSkipped sums skipped records across resources.
func (s Snapshot) TotalSkipped() int {
	total := 0
	for _, n := range s.Skipped {
		total += n
	}
	return total
}

// ProductIndex maps product ids to products. The first product with an id wins.
func ProductIndex(products []Product) map[int64]Product {
	index := make(map[int64]Product, len(products))
	for _, p := range products {
		if _, ok := index[p.ID]; !ok {
			index[p.ID] = p
		}
	}
	return index
}

// CityIndex maps user ids to their city, defaulting blank cities to UnknownCity.
func CityIndex(users []User) map[int64]string {
	index := make(map[int64]string, len(users))
	for _, u := range users {
		city := u.City
		if city == "" {
			city = UnknownCity
		}
		index[u.ID] = city
	}
	return index
}
