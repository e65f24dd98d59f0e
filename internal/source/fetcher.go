package source

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/storefront-funnel/internal/catalog"
	"github.com/angelmondragon/storefront-funnel/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
	"github.com/angelmondragon/storefront-funnel/pkg/logger"
	"github.com/angelmondragon/storefront-funnel/pkg/metrics"
)

const (
	ResourceProducts = "products"
	ResourceCarts    = "carts"
	ResourceUsers    = "users"
)

// Archiver keeps a copy of each raw payload before it is mapped.
type Archiver interface {
	Put(ctx context.Context, resource string, fetchedAt time.Time, payload []byte) (string, error)
}

// Getter returns the raw body of a catalog resource.
type Getter interface {
	Get(ctx context.Context, resource string) ([]byte, error)
}

// Fetcher pulls products, carts and users and maps them into catalog records.
type Fetcher struct {
	getter      Getter
	archive     Archiver
	validate    *validator.Validate
	maxSkipRate float64
	now         func() time.Time
	logg        *logger.Logger
	metrics     *metrics.PipelineMetrics
}

type FetcherOption func(*Fetcher)

// WithArchive stores raw payloads; a nil archiver disables archiving.
func WithArchive(a Archiver) FetcherOption {
	return func(f *Fetcher) {
		f.archive = a
	}
}

func WithNow(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func WithFetcherLogger(logg *logger.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logg = logg
	}
}

func WithFetcherMetrics(m *metrics.PipelineMetrics) FetcherOption {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// NewFetcher wires a Getter (normally *Client) to the record mappers.
func NewFetcher(getter Getter, cfg config.SourceConfig, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		getter:      getter,
		validate:    newValidator(),
		maxSkipRate: cfg.MaxSkipRate,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// FetchCatalog fetches every resource in order and stops at the first failure.
func (f *Fetcher) FetchCatalog(ctx context.Context) (catalog.Snapshot, error) {
	snapshot := catalog.Snapshot{Skipped: map[string]int{}}

	products, err := fetchResource(ctx, f, ResourceProducts, mapProduct, productID)
	if err != nil {
		return snapshot, err
	}
	snapshot.Products = products.Records
	snapshot.Skipped[ResourceProducts] = products.Skipped

	carts, err := fetchResource(ctx, f, ResourceCarts, mapCart, nil)
	if err != nil {
		return snapshot, err
	}
	snapshot.Carts = carts.Records
	snapshot.Skipped[ResourceCarts] = carts.Skipped

	users, err := fetchResource(ctx, f, ResourceUsers, mapUser, nil)
	if err != nil {
		return snapshot, err
	}
	snapshot.Users = users.Records
	snapshot.Skipped[ResourceUsers] = users.Skipped

	f.metrics.AddRecords("products_fetched", len(snapshot.Products))
	f.metrics.AddRecords("carts_fetched", len(snapshot.Carts))
	f.metrics.AddRecords("users_fetched", len(snapshot.Users))
	f.metrics.AddRecords("skipped", snapshot.TotalSkipped())
	return snapshot, nil
}

// fetchResource fetches, archives and maps one resource. When uniqueID is set,
// records repeating an earlier id are skipped as malformed.
func fetchResource[D any, T any](ctx context.Context, f *Fetcher, resource string, mapFn func(D) T, uniqueID func(T) int64) (decodeResult[T], error) {
	if f.logg != nil {
		ctx = f.logg.WithResource(ctx, resource)
	}

	payload, err := f.getter.Get(ctx, resource)
	if err != nil {
		return decodeResult[T]{}, err
	}
	f.archivePayload(ctx, resource, payload)

	result, err := decodeRecords(payload, f.validate, mapFn)
	if err != nil {
		return result, pkgerrors.Wrap(pkgerrors.CodeMalformedSource, err, fmt.Sprintf("decode %s", resource)).
			WithDetails(map[string]any{"resource": resource})
	}
	if uniqueID != nil {
		result.dropRepeatedIDs(uniqueID)
	}

	if result.Skipped > 0 && f.logg != nil {
		fields := map[string]any{"skipped": result.Skipped, "total": result.Total, "reasons": result.Reasons}
		f.logg.Warn(f.logg.WithFields(ctx, fields), "skipped malformed source records")
	}
	if result.SkipRate() > f.maxSkipRate {
		return result, pkgerrors.New(pkgerrors.CodeMalformedSource,
			fmt.Sprintf("%s: %d of %d records malformed, above the %.2f threshold", resource, result.Skipped, result.Total, f.maxSkipRate)).
			WithDetails(map[string]any{"resource": resource, "skipped": result.Skipped, "total": result.Total, "reasons": result.Reasons})
	}

	if f.logg != nil {
		f.logg.Info(f.logg.WithField(ctx, "records", len(result.Records)), "fetched source resource")
	}
	return result, nil
}

func (f *Fetcher) archivePayload(ctx context.Context, resource string, payload []byte) {
	if f.archive == nil {
		return
	}
	location, err := f.archive.Put(ctx, resource, f.now(), payload)
	if f.logg == nil {
		return
	}
	if err != nil {
		f.logg.Warn(f.logg.WithField(ctx, "error", err.Error()), "raw archive write failed")
		return
	}
	f.logg.Debug(f.logg.WithField(ctx, "location", location), "archived raw payload")
}
