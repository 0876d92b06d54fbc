// Package model defines core domain types shared across the service.
package model

import "context"

// single distinct value of the filterable column
type AttributeValue string

// ordered distinct attribute values, ascending by label
type Catalog []AttributeValue

func (c Catalog) Len() int { return len(c) }

// At returns the value at a zero-based position.
func (c Catalog) At(i int) (AttributeValue, bool) {
	if i < 0 || i >= len(c) {
		return "", false
	}
	return c[i], true
}

// Selection is either "no filter" or one catalog value.
type Selection struct {
	Value    AttributeValue
	Filtered bool
}

// NoFilter is the cleared selection.
func NoFilter() Selection { return Selection{} }

// Select returns a selection holding v.
func Select(v AttributeValue) Selection { return Selection{Value: v, Filtered: true} }

func (s Selection) String() string {
	if !s.Filtered {
		return "<no filter>"
	}
	return string(s.Value)
}

// SubLayerConfig is the runtime update accepted by a sub-layer.
type SubLayerConfig struct {
	SQL string
}

// LayerHandle addresses one sub-layer of a rendered visualization.
type LayerHandle interface {
	Set(ctx context.Context, cfg SubLayerConfig) error
	Query() string
	TileURL() string
}

type FilterQuery string

// DisplayOptions mirrors the chrome and viewport flags passed to the map service.
type DisplayOptions struct {
	Zoom      int     `json:"zoom,omitempty"`
	CenterLat float64 `json:"center_lat,omitempty"`
	CenterLon float64 `json:"center_lon,omitempty"`
	Shareable bool    `json:"shareable"`
	CartoLogo bool    `json:"cartodb_logo"`
}

// Dataset identifies one deployment of the filter page.
type Dataset struct {
	Name          string
	Table         string
	Column        string
	SQLAPIURL     string
	VizURL        string
	LayerIndex    int
	SubLayerIndex int
	Display       DisplayOptions
	SentinelLabel string
	Divider       bool
}
