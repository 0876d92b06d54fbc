// Package viz loads a remote-rendered visualization and exposes its sub-layers.
package viz

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
)

var ErrNoSuchLayer = errors.New("no such layer")

type Service interface {
	Load(ctx context.Context, ref string, opts model.DisplayOptions) (*Vis, error)
}

type Layer struct {
	Type      string
	SubLayers []model.LayerHandle
}

// Vis is one loaded visualization. Layers keep the order of the source document.
type Vis struct {
	Title   string
	Options model.DisplayOptions
	Layers  []Layer
}

func (v *Vis) SubLayer(layer, sub int) (model.LayerHandle, error) {
	if v == nil || layer < 0 || layer >= len(v.Layers) {
		return nil, fmt.Errorf("layer %d: %w", layer, ErrNoSuchLayer)
	}
	subs := v.Layers[layer].SubLayers
	if sub < 0 || sub >= len(subs) {
		return nil, fmt.Errorf("layer %d (%s) sublayer %d: %w", layer, v.Layers[layer].Type, sub, ErrNoSuchLayer)
	}
	return subs[sub], nil
}
