// Package tabular defines the read-only SQL boundary to the hosted dataset.
package tabular

import "context"

// Row is one result record keyed by column name.
type Row map[string]any

type Service interface {
	Query(ctx context.Context, sql string) ([]Row, error)
}
