// Package query builds the SQL strings sent to the tabular and map services.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
)

var (
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrInvalidValue      = errors.New("invalid attribute value")
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier accepts plain (optionally schema-qualified) table and column names.
func ValidIdentifier(name string) error {
	if len(name) > 127 || !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// QuoteLiteral renders v as a standard SQL string literal. Single quotes are
// doubled; NUL cannot be represented and is rejected.
func QuoteLiteral(v string) (string, error) {
	if strings.ContainsRune(v, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidValue)
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
}

func BaseQuery(table string) model.FilterQuery {
	return model.FilterQuery("SELECT * FROM " + table)
}

func DistinctQuery(table, column string) string {
	return fmt.Sprintf("SELECT DISTINCT %s FROM %s", column, table)
}

// BuildFilterQuery returns the sub-layer query restricting column to value.
// Comparison is exact and case-sensitive.
func BuildFilterQuery(table, column string, value model.AttributeValue) (model.FilterQuery, error) {
	if err := ValidIdentifier(table); err != nil {
		return "", err
	}
	if err := ValidIdentifier(column); err != nil {
		return "", err
	}
	lit, err := QuoteLiteral(string(value))
	if err != nil {
		return "", err
	}
	return model.FilterQuery(fmt.Sprintf("%s WHERE %s = %s", BaseQuery(table), column, lit)), nil
}

// For returns the query for a selection: the base query when cleared.
func For(table, column string, sel model.Selection) (model.FilterQuery, error) {
	if !sel.Filtered {
		if err := ValidIdentifier(table); err != nil {
			return "", err
		}
		return BaseQuery(table), nil
	}
	return BuildFilterQuery(table, column, sel.Value)
}
