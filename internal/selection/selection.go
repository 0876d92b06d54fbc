// Package selection builds the choice list for the species control and
// dispatches user choices to a single change handler.
package selection

import (
	"context"
	"errors"
	"sync"

	"github.com/mohammed-shakir/occurrence-filter/internal/core/model"
)

var ErrNotBound = errors.New("selection control not bound")

const (
	DefaultSentinel = "All species"
	dividerLabel    = "──────────"
)

// Handler receives the resolved selection for every change event.
type Handler func(ctx context.Context, sel model.Selection) error

// Entry is one rendered option. Index is what the client sends back;
// the divider carries Index -1 and is never selectable.
type Entry struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Sentinel bool   `json:"sentinel,omitempty"`
	Divider  bool   `json:"divider,omitempty"`
	Selected bool   `json:"selected,omitempty"`
}

type Binder struct {
	sentinel string
	divider  bool

	mu  sync.Mutex
	ctl *Control
}

func NewBinder(sentinel string, divider bool) *Binder {
	if sentinel == "" {
		sentinel = DefaultSentinel
	}
	return &Binder{sentinel: sentinel, divider: divider}
}

// Bind renders cat into the control and installs h as its only handler.
// Calling Bind again replaces catalog and handler on the same control.
func (b *Binder) Bind(cat model.Catalog, h Handler) *Control {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctl == nil {
		b.ctl = &Control{sentinel: b.sentinel, divider: b.divider}
	}
	b.ctl.rebind(cat, h)
	return b.ctl
}

func (b *Binder) Control() (*Control, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctl == nil {
		return nil, ErrNotBound
	}
	return b.ctl, nil
}

type Control struct {
	sentinel string
	divider  bool

	mu      sync.Mutex
	cat     model.Catalog
	handler Handler
}

func (c *Control) rebind(cat model.Catalog, h Handler) {
	c.mu.Lock()
	c.cat = cat
	c.handler = h
	c.mu.Unlock()
}

// Resolve maps a control index to a selection. 0 is the sentinel; anything
// outside 1..N is treated as no filter.
func (c *Control) Resolve(index int) model.Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolve(index)
}

func (c *Control) resolve(index int) model.Selection {
	if v, ok := c.cat.At(index - 1); ok {
		return model.Select(v)
	}
	return model.NoFilter()
}

// Select dispatches one change event to the live handler.
func (c *Control) Select(ctx context.Context, index int) (model.Selection, error) {
	c.mu.Lock()
	sel := c.resolve(index)
	h := c.handler
	c.mu.Unlock()

	if h == nil {
		return sel, ErrNotBound
	}
	return sel, h(ctx, sel)
}

func (c *Control) Clear(ctx context.Context) (model.Selection, error) {
	return c.Select(ctx, 0)
}

// Entries renders the choice list with current marked. A selection whose
// value is not in the catalog marks the sentinel.
func (c *Control) Entries(current model.Selection) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	selected := 0
	if current.Filtered {
		for i, v := range c.cat {
			if v == current.Value {
				selected = i + 1
				break
			}
		}
	}

	out := make([]Entry, 0, len(c.cat)+2)
	out = append(out, Entry{Index: 0, Label: c.sentinel, Sentinel: true, Selected: selected == 0})
	if c.divider {
		out = append(out, Entry{Index: -1, Label: dividerLabel, Divider: true})
	}
	for i, v := range c.cat {
		out = append(out, Entry{Index: i + 1, Label: string(v), Selected: selected == i+1})
	}
	return out
}

func (c *Control) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cat)
}
