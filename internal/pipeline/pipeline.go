package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"servingd/internal/config"
	"servingd/internal/manager"
	"servingd/pkg/types"
)

var tracer = otel.Tracer("servingd.pipeline")

type modelRef struct {
	node    string
	model   string
	version int64
}

// Pipeline is a validated DAG between the entry node (request inputs) and
// the exit node (response outputs).
type Pipeline struct {
	name   string
	inputs []string
	entry  *Node
	exit   *Node
	nodes  map[string]*Node
	order  []string

	models    []modelRef
	resources []*nodeResources
	registry  ModelRegistry
	log       zerolog.Logger

	available atomic.Bool
}

func (p *Pipeline) Name() string { return p.name }

// Nodes returns the node names in topological order without entry and exit.
func (p *Pipeline) Nodes() []string { return append([]string(nil), p.order...) }

// Node returns the node called name, including the entry and exit nodes.
func (p *Pipeline) Node(name string) (*Node, bool) {
	n, ok := p.nodes[name]
	return n, ok
}

// Available reports whether every model the pipeline uses has a usable version.
func (p *Pipeline) Available() bool { return p.available.Load() }

// OnTopologyChanged re-validates model availability after a model changed.
func (p *Pipeline) OnTopologyChanged(model string) {
	p.revalidate()
}

func (p *Pipeline) revalidate() {
	ok := true
	for _, ref := range p.models {
		inst, err := p.registry.Instance(ref.model, ref.version)
		if err != nil || inst.Status().State != manager.StateAvailable {
			ok = false
			break
		}
	}
	if prev := p.available.Swap(ok); prev != ok {
		p.log.Info().Str("pipeline", p.name).Bool("available", ok).Msg("pipeline event=availability_changed")
	}
}

// close detaches the pipeline from its models and gives up ownership of
// custom node resources. In-flight executions finish normally.
func (p *Pipeline) close() {
	seen := map[string]bool{}
	for _, ref := range p.models {
		if !seen[ref.model] {
			seen[ref.model] = true
			p.registry.Unsubscribe(ref.model, p)
		}
	}
	for _, r := range p.resources {
		r.disown()
	}
	p.available.Store(false)
}

// Execute runs one request through the DAG. Ready nodes run concurrently;
// the first failure aborts this session only.
func (p *Pipeline) Execute(ctx context.Context, meta SessionMetadata, inputs types.TensorMap) (out types.TensorMap, err error) {
	meta.session = uuid.NewString()
	if meta.RequestID == "" {
		meta.RequestID = meta.session
	}
	ctx, span := tracer.Start(ctx, "pipeline.Execute", trace.WithAttributes(
		attribute.String("pipeline", p.name),
		attribute.String("request_id", meta.RequestID),
		attribute.String("session", meta.session),
	))
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		sessionsTotal.WithLabelValues(p.name, result).Inc()
		sessionDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
		span.End()
	}()

	if !p.Available() {
		return nil, fmt.Errorf("%w: %s", ErrPipelineUnavailable, p.name)
	}
	for _, name := range p.inputs {
		if _, ok := inputs[name]; !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrMissingPipelineInput, p.name, name)
		}
	}
	defer p.dropSession(meta)

	g, gctx := errgroup.WithContext(ctx)
	var deliver func(from *Node, produced types.TensorMap) error
	deliver = func(from *Node, produced types.TensorMap) error {
		for _, d := range from.downstream {
			ready, err := d.SetInputs(from.name, meta, produced)
			if err != nil {
				return err
			}
			if !ready || d == p.exit {
				continue
			}
			d := d
			g.Go(func() error {
				nctx, nspan := tracer.Start(gctx, "pipeline.node", trace.WithAttributes(attribute.String("node", d.name)))
				defer nspan.End()
				res, err := d.run(nctx, meta)
				if err != nil {
					nspan.RecordError(err)
					return fmt.Errorf("node %s: %w", d.name, err)
				}
				return deliver(d, res)
			})
		}
		return nil
	}
	g.Go(func() error { return deliver(p.entry, inputs) })
	if err := g.Wait(); err != nil {
		p.log.Debug().Err(err).Str("pipeline", p.name).Str("request_id", meta.RequestID).Str("session", meta.Key()).Msg("pipeline event=session_failed")
		return nil, fmt.Errorf("pipeline %s: %w", p.name, err)
	}
	res, ok := p.exit.collected(meta)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: response not produced", p.name)
	}
	return res, nil
}

func (p *Pipeline) dropSession(meta SessionMetadata) {
	for _, n := range p.nodes {
		n.dropSession(meta)
	}
}

// EvictIdleSessions drops node sessions idle for longer than maxIdle and
// returns how many were dropped.
func (p *Pipeline) EvictIdleSessions(maxIdle time.Duration) int {
	total := 0
	for _, n := range p.nodes {
		total += n.evictIdle(maxIdle)
	}
	return total
}

// Status returns the API representation of the pipeline.
func (p *Pipeline) Status() types.PipelineStatus {
	return types.PipelineStatus{Name: p.name, Nodes: p.Nodes(), Available: p.Available()}
}

// nodeKindFor is used in log lines.
func nodeKindFor(n config.NodeConfig) string {
	if n.Kind == config.NodeKindCustom {
		return n.Kind + ":" + n.LibraryName
	}
	return n.Kind + ":" + n.ModelName
}
