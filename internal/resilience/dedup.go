package resilience

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/aegis-ai/aegis/internal/model"
)

// Deduper collapses concurrent identical upstream calls: a second request
// with the same cache key joins the in-flight call instead of issuing its
// own. Keys are shared with the response cache, so "identical" means
// identical org, model, transcript, and sampling parameters.
type Deduper struct {
	group singleflight.Group
}

// NewDeduper creates a Deduper.
func NewDeduper() *Deduper {
	return &Deduper{}
}

// Do executes call once per key among concurrent callers and hands every
// joiner a copy of the shared response. Copies matter: the pipeline
// mutates responses (rewrites, audit info) per request.
func (d *Deduper) Do(_ context.Context, key string, call func() (*model.ChatResponse, error)) (*model.ChatResponse, bool, error) {
	v, err, shared := d.group.Do(key, func() (any, error) {
		return call()
	})
	if err != nil {
		return nil, shared, err
	}

	resp := v.(*model.ChatResponse)
	cp := *resp
	cp.Choices = make([]model.ChatChoice, len(resp.Choices))
	copy(cp.Choices, resp.Choices)
	return &cp, shared, nil
}
