package warehouse

import (
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	"github.com/angelmondragon/storefront-funnel/pkg/db/models"
)

func productRow(p catalog.Product) models.Product {
	return models.Product{
		ID:          p.ID,
		Title:       p.Title,
		Category:    p.Category,
		Price:       p.Price,
		Rating:      p.Rating,
		RatingCount: p.RatingCount,
	}
}

func eventRow(e funnel.Event) models.Event {
	row := models.Event{
		EventID:   e.EventID,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		ProductID: e.ProductID,
		EventType: e.EventType,
		EventDate: e.EventDate.UTC(),
		Quantity:  e.Quantity,
		Price:     e.Price,
		Category:  e.Category,
		UserCity:  e.UserCity,
	}
	if e.Revenue != nil {
		row.Revenue = decimal.NewNullDecimal(*e.Revenue)
	}
	return row
}

func productKey(p models.Product) any { return p.ID }

func eventKey(e models.Event) any { return e.EventID }
