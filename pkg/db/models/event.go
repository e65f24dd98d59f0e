package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-funnel/pkg/enums"
)

// Event is one synthesized funnel step. Every column is derived from source
// data so reruns write identical rows.
type Event struct {
	EventID   string              `gorm:"column:event_id;primaryKey"`
	SessionID string              `gorm:"column:session_id;not null;index:idx_events_session"`
	UserID    int64               `gorm:"column:user_id;not null;index:idx_events_user"`
	ProductID int64               `gorm:"column:product_id;not null"`
	EventType enums.EventType     `gorm:"column:event_type;type:text;not null;index:idx_events_type"`
	EventDate time.Time           `gorm:"column:event_date;not null;index:idx_events_date"`
	Quantity  int                 `gorm:"column:quantity;not null"`
	Price     decimal.Decimal     `gorm:"column:price;type:numeric(10,2);not null"`
	Category  string              `gorm:"column:category;not null"`
	UserCity  string              `gorm:"column:user_city;not null"`
	Revenue   decimal.NullDecimal `gorm:"column:revenue;type:numeric(12,2)"`
}

func (Event) TableName() string { return "events" }

// EventMutableColumns are overwritten when an upsert hits an existing event_id.
var EventMutableColumns = []string{
	"session_id", "user_id", "product_id", "event_type", "event_date",
	"quantity", "price", "category", "user_city", "revenue",
}
