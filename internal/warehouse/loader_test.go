package warehouse

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/internal/funnel"
	"github.com/angelmondragon/storefront-funnel/pkg/config"
	"github.com/angelmondragon/storefront-funnel/pkg/db"
	"github.com/angelmondragon/storefront-funnel/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/migrate"
)

type fakeClock struct {
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time { return time.Time{} }

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.sleeps = append(f.sleeps, d)
	return ctx.Err()
}

// flakyStore fails selected WithTx calls (1-based) before touching the database.
type flakyStore struct {
	Store
	calls int
	fail  func(call int) error
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	return f.Store.WithTx(ctx, fn)
}

func openTestDB(t *testing.T, migrateModels bool) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if migrateModels {
		require.NoError(t, migrate.AutoMigrateModels(context.Background(), conn))
	}
	return db.NewFromGorm(conn)
}

func testLoadConfig(batch int) config.LoadConfig {
	return config.LoadConfig{
		BatchSize:         batch,
		MaxAttempts:       3,
		BaseBackoff:       10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        50 * time.Millisecond,
	}
}

func fixture() ([]catalog.Product, []funnel.Event) {
	products := []catalog.Product{
		{ID: 1, Title: "Backpack", Category: "men's clothing", Price: decimal.RequireFromString("109.95"), Rating: decimal.RequireFromString("5"), RatingCount: 120},
		{ID: 2, Title: "T-Shirt", Category: "men's clothing", Price: decimal.RequireFromString("22.3"), Rating: decimal.RequireFromString("4.1"), RatingCount: 259},
		{ID: 3, Title: "Jacket", Category: "men's clothing", Price: decimal.RequireFromString("55.99"), Rating: decimal.RequireFromString("4.7"), RatingCount: 500},
	}
	date := time.Date(2020, 3, 2, 0, 0, 0, 0, time.UTC)
	carts := []catalog.Cart{
		{ID: 1, UserID: 1, Date: date, Items: []catalog.CartItem{{ProductID: 1, Quantity: 4}, {ProductID: 2, Quantity: 1}}},
		{ID: 2, UserID: 2, Date: date.Add(time.Hour), Items: []catalog.CartItem{{ProductID: 2, Quantity: 2}}},
	}
	users := []catalog.User{{ID: 1, City: "kilcoole"}, {ID: 2, City: "Cullman"}}
	result := funnel.Synthesize(products, carts, users, funnel.Options{MaxSyntheticViews: 3, ConversionExponent: 2})
	return products, result.Events
}

func dumpTables(t *testing.T, client *db.Client) ([]models.Product, []models.Event) {
	t.Helper()
	var products []models.Product
	require.NoError(t, client.DB().Order("id").Find(&products).Error)
	var events []models.Event
	require.NoError(t, client.DB().Order("event_id").Find(&events).Error)
	return products, events
}

func TestLoadIsIdempotent(t *testing.T) {
	client := openTestDB(t, true)
	products, events := fixture()
	loader := NewLoader(client, testLoadConfig(2), WithClock(&fakeClock{}))

	first, err := loader.Load(context.Background(), products, events)
	require.NoError(t, err)
	assert.Equal(t, len(products), first.ProductsWritten)
	assert.Equal(t, len(events), first.EventsWritten)
	assert.Zero(t, first.ConflictsResolved)
	productsAfterFirst, eventsAfterFirst := dumpTables(t, client)

	again, eventsAgain := fixture()
	second, err := loader.Load(context.Background(), again, eventsAgain)
	require.NoError(t, err)
	assert.Equal(t, len(products)+len(events), second.ConflictsResolved)
	assert.Empty(t, second.FailedChunks)

	productsAfterSecond, eventsAfterSecond := dumpTables(t, client)
	assert.Equal(t, productsAfterFirst, productsAfterSecond)
	assert.Equal(t, eventsAfterFirst, eventsAfterSecond)
	assert.Len(t, eventsAfterSecond, len(events))
}

func TestLoadStoresRevenueOnlyForPurchases(t *testing.T) {
	client := openTestDB(t, true)
	products, events := fixture()

	_, err := NewLoader(client, testLoadConfig(500)).Load(context.Background(), products, events)
	require.NoError(t, err)

	_, rows := dumpTables(t, client)
	purchases := 0
	for _, row := range rows {
		if row.EventType == "purchase" {
			purchases++
			require.True(t, row.Revenue.Valid)
			want := row.Price.Mul(decimal.NewFromInt(int64(row.Quantity)))
			assert.True(t, want.Equal(row.Revenue.Decimal), "want %s got %s", want, row.Revenue.Decimal)
			continue
		}
		assert.False(t, row.Revenue.Valid, "%s %s", row.SessionID, row.EventType)
	}
	assert.NotZero(t, purchases)
}

func TestLoadOverwritesMutableProductFields(t *testing.T) {
	client := openTestDB(t, true)
	loader := NewLoader(client, testLoadConfig(10))
	product := catalog.Product{ID: 7, Title: "Ring", Category: "jewelery", Price: decimal.NewFromInt(10), Rating: decimal.NewFromInt(3)}

	_, err := loader.Load(context.Background(), []catalog.Product{product}, nil)
	require.NoError(t, err)

	product.Price = decimal.RequireFromString("12.50")
	product.Title = "Silver Ring"
	summary, err := loader.Load(context.Background(), []catalog.Product{product}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ConflictsResolved)

	var row models.Product
	require.NoError(t, client.DB().First(&row, 7).Error)
	assert.Equal(t, "Silver Ring", row.Title)
	assert.True(t, decimal.RequireFromString("12.5").Equal(row.Price))

	var count int64
	require.NoError(t, client.DB().Model(&models.Product{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestLoadDropsRepeatedProductKeys(t *testing.T) {
	client := openTestDB(t, true)
	loader := NewLoader(client, testLoadConfig(10))
	products := []catalog.Product{
		{ID: 1, Title: "Ring", Category: "jewelery", Price: decimal.NewFromInt(10), Rating: decimal.NewFromInt(3)},
		{ID: 1, Title: "Ring copy", Category: "jewelery", Price: decimal.NewFromInt(12), Rating: decimal.NewFromInt(3)},
	}

	summary, err := loader.Load(context.Background(), products, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.ProductsWritten)
	assert.Equal(t, 1, summary.DuplicatesDropped)
	assert.Zero(t, summary.ConflictsResolved)

	var row models.Product
	require.NoError(t, client.DB().First(&row, 1).Error)
	assert.Equal(t, "Ring", row.Title)
	assert.True(t, decimal.NewFromInt(10).Equal(row.Price))
}

func TestLoadChunkFailureRollsBackOnlyThatChunk(t *testing.T) {
	client := openTestDB(t, true)
	products, events := fixture()
	// products use calls 1-2 (batch 2); the second event chunk is call 4.
	store := &flakyStore{Store: client, fail: func(call int) error {
		if call == 4 {
			return errors.New("check constraint failed")
		}
		return nil
	}}
	loader := NewLoader(store, testLoadConfig(2), WithClock(&fakeClock{}))

	summary, err := loader.Load(context.Background(), products, events)

	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePersistence, pkgerrors.CodeOf(err))
	require.Len(t, summary.FailedChunks, 1)
	assert.Equal(t, "events", summary.FailedChunks[0].Table)
	assert.Equal(t, 1, summary.FailedChunks[0].Index)
	assert.Equal(t, len(products), summary.ProductsWritten)
	assert.Equal(t, len(events)-2, summary.EventsWritten)

	_, rows := dumpTables(t, client)
	assert.Len(t, rows, len(events)-2)
}

func TestLoadRetriesTransientFailures(t *testing.T) {
	client := openTestDB(t, true)
	products, events := fixture()
	store := &flakyStore{Store: client, fail: func(call int) error {
		if call <= 2 {
			return driver.ErrBadConn
		}
		return nil
	}}
	clock := &fakeClock{}
	loader := NewLoader(store, testLoadConfig(500), WithClock(clock))

	summary, err := loader.Load(context.Background(), products, events)

	require.NoError(t, err)
	assert.Equal(t, len(events), summary.EventsWritten)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, clock.sleeps)
}

func TestLoadEscalatesExhaustedTransientFailures(t *testing.T) {
	client := openTestDB(t, true)
	products, events := fixture()
	store := &flakyStore{Store: client, fail: func(int) error { return driver.ErrBadConn }}
	loader := NewLoader(store, testLoadConfig(1), WithClock(&fakeClock{}))

	summary, err := loader.Load(context.Background(), products, events)

	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePersistence, pkgerrors.CodeOf(err))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeTransientPersistence))
	assert.ErrorIs(t, err, driver.ErrBadConn)
	require.Len(t, summary.FailedChunks, 1, "remaining chunks must be skipped")
	assert.Equal(t, 3, store.calls)
	assert.Zero(t, summary.EventsWritten)
}

func TestLoadFailsOnMissingTable(t *testing.T) {
	client := openTestDB(t, false)
	require.NoError(t, client.DB().AutoMigrate(&models.Product{}))
	products, events := fixture()

	_, err := NewLoader(client, testLoadConfig(10)).Load(context.Background(), products, events)

	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePersistence, pkgerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "table events")

	var count int64
	require.NoError(t, client.DB().Model(&models.Product{}).Count(&count).Error)
	assert.Zero(t, count, "nothing may be written before the schema check passes")
}

func TestCheckSchemaReportsMissingColumn(t *testing.T) {
	client := openTestDB(t, false)
	require.NoError(t, client.DB().AutoMigrate(&models.Product{}))
	require.NoError(t, client.DB().Exec(`CREATE TABLE events (
		event_id TEXT PRIMARY KEY, session_id TEXT, user_id INTEGER, product_id INTEGER,
		event_type TEXT, event_date DATETIME, quantity INTEGER, price NUMERIC, category TEXT, user_city TEXT
	)`).Error)

	err := CheckSchema(context.Background(), client.DB())

	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodePersistence, pkgerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "events.revenue")
}

func TestLoadEmptyInputsSucceed(t *testing.T) {
	client := openTestDB(t, true)
	summary, err := NewLoader(client, testLoadConfig(10)).Load(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, LoadSummary{}, summary)
}
