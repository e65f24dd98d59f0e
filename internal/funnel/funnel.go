// Package funnel turns a catalog snapshot into view, cart and purchase events.
// Everything here is a pure function of its inputs.
package funnel

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/pkg/enums"
)

const (
	DefaultMaxSyntheticViews  = 12
	DefaultConversionExponent = 2.0

	browseWindowMinutes = 7 * 24 * 60
)

// Options tunes synthesis. A zero MaxSyntheticViews disables browse sessions.
type Options struct {
	// MaxSyntheticViews is the view count given to a never-carted product rated 5.
	MaxSyntheticViews int
	// ConversionExponent shapes purchase probability: (rating/5)^exponent.
	ConversionExponent float64
}

func (o Options) normalized() Options {
	if o.MaxSyntheticViews < 0 {
		o.MaxSyntheticViews = 0
	}
	if o.ConversionExponent <= 0 {
		o.ConversionExponent = DefaultConversionExponent
	}
	return o
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{MaxSyntheticViews: DefaultMaxSyntheticViews, ConversionExponent: DefaultConversionExponent}
}

type Event struct {
	EventID   string
	SessionID string
	UserID    int64
	ProductID int64
	EventType enums.EventType
	EventDate time.Time
	Quantity  int
	Price     decimal.Decimal
	Category  string
	UserCity  string
	// Revenue is set only on purchases.
	Revenue *decimal.Decimal
}

type Result struct {
	Events []Event
	// Counts holds events per type.
	Counts map[enums.EventType]int
	// UnknownProducts counts cart lines whose product is not in the catalog.
	UnknownProducts int
	// DuplicateCarts counts carts dropped because their id was already seen.
	DuplicateCarts    int
	CartSessions      int
	SyntheticSessions int
}

// Synthesize builds the funnel. Each cart becomes a session "sess_<cartID>"
// with a view and a cart event per product, plus a purchase when the product's
// hash bucket falls under its conversion probability. Products no cart
// references get view-only browse sessions scaled by rating.
func Synthesize(products []catalog.Product, carts []catalog.Cart, users []catalog.User, opts Options) Result {
	opts = opts.normalized()
	result := Result{Counts: map[enums.EventType]int{}}
	if len(carts) == 0 {
		return result
	}

	index := catalog.ProductIndex(products)
	cities := catalog.CityIndex(users)
	carted := map[int64]bool{}
	seenCarts := map[int64]bool{}
	var anchor time.Time

	for _, cart := range carts {
		if seenCarts[cart.ID] {
			result.DuplicateCarts++
			continue
		}
		seenCarts[cart.ID] = true
		if cart.Date.After(anchor) {
			anchor = cart.Date
		}

		sessionID := fmt.Sprintf("sess_%d", cart.ID)
		city := cityFor(cities, cart.UserID)
		emitted := false
		for _, line := range mergeLines(cart.Items) {
			product, ok := index[line.ProductID]
			if !ok {
				result.UnknownProducts++
				continue
			}
			carted[product.ID] = true
			emitted = true
			result.Events = append(result.Events, cartSession(sessionID, cart, line, product, city, opts)...)
		}
		if emitted {
			result.CartSessions++
		}
	}

	browse, sessions := browseSessions(products, carted, users, cities, anchor, opts)
	result.Events = append(result.Events, browse...)
	result.SyntheticSessions = sessions

	sortEvents(result.Events)
	for _, e := range result.Events {
		result.Counts[e.EventType]++
	}
	return result
}

func cartSession(sessionID string, cart catalog.Cart, line catalog.CartItem, product catalog.Product, city string, opts Options) []Event {
	viewAt := cart.Date.Add(-time.Duration(cart.ID%11+5) * time.Minute)
	purchaseAt := cart.Date.Add(time.Duration(cart.ID%3+1) * time.Minute)

	base := Event{
		SessionID: sessionID,
		UserID:    cart.UserID,
		ProductID: product.ID,
		Price:     product.Price,
		Category:  product.Category,
		UserCity:  city,
	}

	events := []Event{
		withStep(base, enums.EventTypeView, viewAt, 1),
		withStep(base, enums.EventTypeCart, cart.Date, line.Quantity),
	}
	if converts(sessionID, product, opts.ConversionExponent) {
		purchase := withStep(base, enums.EventTypePurchase, purchaseAt, line.Quantity)
		revenue := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2)
		purchase.Revenue = &revenue
		events = append(events, purchase)
	}
	return events
}

func withStep(base Event, eventType enums.EventType, at time.Time, quantity int) Event {
	base.EventType = eventType
	base.EventDate = at.UTC()
	base.Quantity = quantity
	base.EventID = EventID(base.SessionID, base.ProductID, eventType)
	return base
}

// converts reports whether the session/product pair ends in a purchase.
func converts(sessionID string, product catalog.Product, exponent float64) bool {
	return unitBucket(sessionID, strconv.FormatInt(product.ID, 10)) < conversionProbability(product.Rating, exponent)
}

func conversionProbability(rating decimal.Decimal, exponent float64) float64 {
	r := rating.InexactFloat64() / 5
	if r <= 0 {
		return 0
	}
	if r >= 1 {
		return 1
	}
	return math.Pow(r, exponent)
}

// mergeLines folds repeated products in one cart into a single line so the
// session never emits two events with the same natural key.
func mergeLines(items []catalog.CartItem) []catalog.CartItem {
	merged := make([]catalog.CartItem, 0, len(items))
	position := map[int64]int{}
	for _, item := range items {
		if i, ok := position[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		position[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

func browseSessions(products []catalog.Product, carted map[int64]bool, users []catalog.User, cities map[int64]string, anchor time.Time, opts Options) ([]Event, int) {
	if opts.MaxSyntheticViews == 0 {
		return nil, 0
	}

	userIDs := make([]int64, 0, len(users))
	for _, u := range users {
		userIDs = append(userIDs, u.ID)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	var events []Event
	sessions := 0
	seen := map[int64]bool{}
	for _, product := range products {
		if carted[product.ID] || seen[product.ID] {
			continue
		}
		seen[product.ID] = true

		views := syntheticViewCount(product.Rating, opts.MaxSyntheticViews)
		for n := 0; n < views; n++ {
			sessionID := fmt.Sprintf("browse_%d_%d", product.ID, n)
			var userID int64
			if len(userIDs) > 0 {
				userID = userIDs[hash64(sessionID, "user")%uint64(len(userIDs))]
			}
			minutesAgo := 1 + hash64(sessionID, "at")%browseWindowMinutes
			view := Event{
				SessionID: sessionID,
				UserID:    userID,
				ProductID: product.ID,
				Price:     product.Price,
				Category:  product.Category,
				UserCity:  cityFor(cities, userID),
			}
			events = append(events, withStep(view, enums.EventTypeView, anchor.Add(-time.Duration(minutesAgo)*time.Minute), 1))
			sessions++
		}
	}
	return events, sessions
}

func syntheticViewCount(rating decimal.Decimal, maxViews int) int {
	r := rating.InexactFloat64() / 5
	if r <= 0 {
		return 0
	}
	if r > 1 {
		r = 1
	}
	return int(math.Round(r * float64(maxViews)))
}

func cityFor(cities map[int64]string, userID int64) string {
	if city, ok := cities[userID]; ok {
		return city
	}
	return catalog.UnknownCity
}

// sortEvents orders by session, funnel stage, then product.
func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.SessionID != b.SessionID {
			return a.SessionID < b.SessionID
		}
		if a.EventType.Rank() != b.EventType.Rank() {
			return a.EventType.Rank() < b.EventType.Rank()
		}
		return a.ProductID < b.ProductID
	})
}
