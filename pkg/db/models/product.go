package models

import (
	"github.com/shopspring/decimal"
)

// Product is the catalog row keyed by the upstream product id.
type Product struct {
	ID          int64           `gorm:"column:id;primaryKey;autoIncrement:false"`
	Title       string          `gorm:"column:title;not null"`
	Category    string          `gorm:"column:category;not null"`
	Price       decimal.Decimal `gorm:"column:price;type:numeric(10,2);not null"`
	Rating      decimal.Decimal `gorm:"column:rating;type:numeric(3,2);not null"`
	RatingCount int             `gorm:"column:rating_count;not null"`
}

func (Product) TableName() string { return "products" }

// ProductMutableColumns are overwritten when an upsert hits an existing id.
var ProductMutableColumns = []string{"title", "category", "price", "rating", "rating_count"}
