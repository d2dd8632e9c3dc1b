// Package filter implements the two-phase authorization pipeline wrapped
// around every inbound CRUD request and channel subscription.
//
// The pre phase is policy-only: it sees the query and the caller's auth
// token, never a resource. The post phase sees the resource; on subscription
// requests the pipeline loads it itself through the caller-supplied loader,
// which routes through the resource cache so authorization reads coalesce
// with regular reads.
//
// A model without a hook for a phase admits the request, unless the matching
// block-by-default flag is set, in which case the absence of a hook denies.
// Hook denials and defaults are both normalized into a BlockedError tagged
// with the phase that rejected the request.
package filter

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"livedata.evalgo.org/schema"
	"livedata.evalgo.org/store"
)

// BlockedError reports a request denied by the filter pipeline.
type BlockedError struct {
	// Phase is the phase that denied the request: schema.PhasePre or
	// schema.PhasePost.
	Phase schema.Phase

	// Cause is the hook's error, or nil when the denial came from a
	// block-by-default configuration.
	Cause error
}

func (e *BlockedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("blocked by %s filter: %v", e.Phase, e.Cause)
	}
	return fmt.Sprintf("blocked by %s filter", e.Phase)
}

func (e *BlockedError) Unwrap() error {
	return e.Cause
}

// ResourceLoader fetches a document for post-phase evaluation. The
// orchestrator provides one backed by its resource cache.
type ResourceLoader func(ctx context.Context, typ, id string) (store.Document, error)

// Options configures a Pipeline.
type Options struct {
	// BlockPreByDefault denies requests on models without a pre hook.
	BlockPreByDefault bool

	// BlockPostByDefault denies requests on models without a post hook.
	BlockPostByDefault bool

	// Logger receives hook denial logging. Optional.
	Logger *logrus.Entry
}

// Pipeline evaluates pre and post filter hooks against a schema registry.
type Pipeline struct {
	registry  *schema.Registry
	blockPre  bool
	blockPost bool
	logger    *logrus.Entry
}

// New constructs a Pipeline.
func New(registry *schema.Registry, opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		registry:  registry,
		blockPre:  opts.BlockPreByDefault,
		blockPost: opts.BlockPostByDefault,
		logger:    logger.WithField("component", "filter"),
	}
}

// Pre runs the pre-phase hook for the request's model.
func (p *Pipeline) Pre(ctx context.Context, req *schema.HookRequest) error {
	return p.run(ctx, schema.PhasePre, p.blockPre, req)
}

// Post runs the post-phase hook. The caller is responsible for populating
// req.Resource when one is available.
func (p *Pipeline) Post(ctx context.Context, req *schema.HookRequest) error {
	return p.run(ctx, schema.PhasePost, p.blockPost, req)
}

// PostSubscribe runs the post phase for a channel subscription. For resource
// and field channels the addressed document is loaded first and handed to
// the hook; view subscriptions carry no resource. The load is skipped
// entirely when the model has no post hook and post-blocking is off, so an
// admitted-by-default subscribe costs no fetch.
func (p *Pipeline) PostSubscribe(ctx context.Context, req *schema.HookRequest, loader ResourceLoader) error {
	hook := p.registry.FilterHook(req.Type, schema.PhasePost)
	if hook == nil {
		if p.blockPost {
			return &BlockedError{Phase: schema.PhasePost}
		}
		return nil
	}

	if req.ID != "" && req.Resource == nil && loader != nil {
		resource, err := loader(ctx, req.Type, req.ID)
		if err != nil {
			return err
		}
		req.Resource = resource
	}
	return p.Post(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, phase schema.Phase, blockByDefault bool, req *schema.HookRequest) error {
	hook := p.registry.FilterHook(req.Type, phase)
	if hook == nil {
		if blockByDefault {
			return &BlockedError{Phase: phase}
		}
		return nil
	}
	if err := hook(ctx, req); err != nil {
		p.logger.WithFields(logrus.Fields{
			"phase":  phase,
			"type":   req.Type,
			"action": req.Action,
		}).Debug("filter hook denied request")
		return &BlockedError{Phase: phase, Cause: err}
	}
	return nil
}
