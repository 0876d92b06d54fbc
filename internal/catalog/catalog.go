// Package catalog loads the distinct values of the filterable column.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
	"github.com/mohammed-shakir/occurrence-filter/internal/core/observability"
	"github.com/mohammed-shakir/occurrence-filter/internal/query"
	"github.com/mohammed-shakir/occurrence-filter/internal/tabular"
)

// Loader fetches the catalog at most once. A failure is kept and returned to
// every later caller.
type Loader struct {
	logger *slog.Logger
	svc    tabular.Service
	table  string
	column string

	once sync.Once
	cat  model.Catalog
	err  error
}

func NewLoader(logger *slog.Logger, svc tabular.Service, table, column string) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, svc: svc, table: table, column: column}
}

func (l *Loader) Load(ctx context.Context) (model.Catalog, error) {
	l.once.Do(func() { l.cat, l.err = l.load(ctx) })
	return l.cat, l.err
}

func (l *Loader) load(ctx context.Context) (model.Catalog, error) {
	rows, err := l.svc.Query(ctx, query.DistinctQuery(l.table, l.column))
	if err != nil {
		observability.ObserveCatalogLoad("error", 0)
		l.logger.ErrorContext(ctx, "catalog load failed", "table", l.table, "column", l.column, "err", err)
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	cat := FromRows(rows, l.column)
	observability.ObserveCatalogLoad("ok", len(cat))
	l.logger.InfoContext(ctx, "catalog loaded", "values", len(cat), "rows", len(rows))
	return cat, nil
}

// FromRows extracts column from rows and sorts the values ascending.
// Missing and null fields are skipped.
func FromRows(rows []tabular.Row, column string) model.Catalog {
	out := make(model.Catalog, 0, len(rows))
	for _, r := range rows {
		v, ok := r[column]
		if !ok || v == nil {
			continue
		}
		out = append(out, model.AttributeValue(text(v)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
