package warehouse

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-funnel/pkg/db/models"
	pkgerrors "github.com/angelmondragon/storefront-funnel/pkg/errors"
)

type tableSpec struct {
	name    string
	model   any
	columns []string
}

var requiredTables = []tableSpec{
	{
		name:    models.Product{}.TableName(),
		model:   &models.Product{},
		columns: append([]string{"id"}, models.ProductMutableColumns...),
	},
	{
		name:    models.Event{}.TableName(),
		model:   &models.Event{},
		columns: append([]string{"event_id"}, models.EventMutableColumns...),
	},
}

// CheckSchema verifies every table and column the loader writes exists. A
// missing one is a PersistenceError naming it.
func CheckSchema(ctx context.Context, conn *gorm.DB) error {
	migrator := conn.WithContext(ctx).Migrator()
	for _, table := range requiredTables {
		if !migrator.HasTable(table.model) {
			return pkgerrors.New(pkgerrors.CodePersistence, fmt.Sprintf("schema mismatch: table %s is missing", table.name)).
				WithDetails(map[string]any{"table": table.name})
		}
		for _, column := range table.columns {
			if !migrator.HasColumn(table.model, column) {
				return pkgerrors.New(pkgerrors.CodePersistence, fmt.Sprintf("schema mismatch: column %s.%s is missing", table.name, column)).
					WithDetails(map[string]any{"table": table.name, "column": column})
			}
		}
	}
	return nil
}
