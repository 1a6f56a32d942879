package pipeline

import (
	"fmt"
	"sort"

	"github.com/raulk/clock"
	"github.com/rs/zerolog"

	"servingd/internal/config"
	"servingd/internal/extension"
	"servingd/internal/manager"
)

// ModelRegistry is what a pipeline needs from the model manager.
type ModelRegistry interface {
	ModelSource
	HasModel(name string) bool
	Subscribe(name string, s manager.Subscriber) error
	Unsubscribe(name string, s manager.Subscriber)
	TrackResource(r manager.Resource)
}

// LibrarySource resolves custom node libraries by name.
type LibrarySource interface {
	Get(name string) (*extension.Library, error)
}

// Deps are the collaborators used to build pipelines.
type Deps struct {
	Models    ModelRegistry
	Libraries LibrarySource
	Logger    zerolog.Logger
	Clock     clock.Clock
}

// Build validates def and wires its nodes. Checks: unique node names, known
// sources, every node reachable with at least one input, no cycles, and that
// referenced models and libraries exist. On success the pipeline is
// subscribed to its models.
func Build(def config.PipelineConfig, deps Deps) (*Pipeline, error) {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if len(def.Outputs) == 0 {
		return nil, invalidf("pipeline %s: no outputs", def.Name)
	}
	p := &Pipeline{
		name:     def.Name,
		inputs:   append([]string(nil), def.Inputs...),
		nodes:    make(map[string]*Node, len(def.Nodes)+2),
		registry: deps.Models,
		log:      deps.Logger,
	}
	p.entry = newNode(config.EntryNodeName, nil, deps.Clock)
	p.exit = newNode(config.ExitNodeName, nil, deps.Clock)
	p.nodes[p.entry.name] = p.entry
	p.nodes[p.exit.name] = p.exit

	// Release anything initialized so far when the definition is rejected.
	ok := false
	defer func() {
		if !ok {
			for _, r := range p.resources {
				r.disown()
				_ = r.Release()
			}
		}
	}()

	for _, nc := range def.Nodes {
		if _, dup := p.nodes[nc.Name]; dup {
			return nil, invalidf("pipeline %s: duplicate node %q", def.Name, nc.Name)
		}
		exec, err := p.executorFor(nc, deps)
		if err != nil {
			return nil, err
		}
		p.nodes[nc.Name] = newNode(nc.Name, exec, deps.Clock)
	}

	nlog := deps.Logger.With().Str("pipeline", def.Name).Logger()
	for _, n := range p.nodes {
		n.log = nlog
	}

	declared := make(map[string]bool, len(def.Inputs))
	for _, in := range def.Inputs {
		declared[in] = true
	}
	wire := func(target *Node, in config.InputConfig) error {
		src, found := p.nodes[in.Source]
		if !found || src == p.exit {
			return invalidf("pipeline %s: node %s: unknown source %q", def.Name, target.name, in.Source)
		}
		if src == target {
			return invalidf("pipeline %s: node %s depends on itself", def.Name, target.name)
		}
		if src == p.entry && !declared[in.Output] {
			return invalidf("pipeline %s: node %s: %q is not a pipeline input", def.Name, target.name, in.Output)
		}
		for _, pairs := range target.mapping {
			for _, pr := range pairs {
				if pr.Input == in.Name {
					return invalidf("pipeline %s: node %s: input %q bound twice", def.Name, target.name, in.Name)
				}
			}
		}
		target.addDependency(src, InputPair{Output: in.Output, Input: in.Name})
		return nil
	}
	for _, nc := range def.Nodes {
		if len(nc.Inputs) == 0 {
			return nil, invalidf("pipeline %s: node %s has no inputs", def.Name, nc.Name)
		}
		for _, in := range nc.Inputs {
			if err := wire(p.nodes[nc.Name], in); err != nil {
				return nil, err
			}
		}
	}
	for _, out := range def.Outputs {
		if err := wire(p.exit, out); err != nil {
			return nil, err
		}
	}
	if err := p.checkCustomOutputs(); err != nil {
		return nil, err
	}

	order, err := topoSort(p)
	if err != nil {
		return nil, err
	}
	p.order = order

	subscribed := map[string]bool{}
	for _, ref := range p.models {
		if subscribed[ref.model] {
			continue
		}
		if err := deps.Models.Subscribe(ref.model, p); err != nil {
			p.close()
			return nil, err
		}
		subscribed[ref.model] = true
	}
	for _, r := range p.resources {
		deps.Models.TrackResource(r)
	}
	p.revalidate()
	ok = true
	return p, nil
}

func (p *Pipeline) executorFor(nc config.NodeConfig, deps Deps) (Executor, error) {
	switch nc.Kind {
	case config.NodeKindModel:
		if !deps.Models.HasModel(nc.ModelName) {
			return nil, invalidf("pipeline %s: node %s: model %q is not served", p.name, nc.Name, nc.ModelName)
		}
		p.models = append(p.models, modelRef{node: nc.Name, model: nc.ModelName, version: nc.ModelVersion})
		return &modelExecutor{models: deps.Models, model: nc.ModelName, version: nc.ModelVersion}, nil
	case config.NodeKindCustom:
		lib, err := deps.Libraries.Get(nc.LibraryName)
		if err != nil {
			return nil, invalidf("pipeline %s: node %s: %v", p.name, nc.Name, err)
		}
		state, err := lib.Module.Initialize(nc.Params)
		if err != nil {
			return nil, invalidf("pipeline %s: node %s: initialize %s: %v", p.name, nc.Name, lib.Name, err)
		}
		res := newNodeResources(nc.Name, lib, nc.Params, state)
		p.resources = append(p.resources, res)
		if err := checkCustomInputs(nc, lib, res); err != nil {
			return nil, invalidf("pipeline %s: %v", p.name, err)
		}
		p.log.Debug().Str("pipeline", p.name).Str("node", nc.Name).Str("kind", nodeKindFor(nc)).Msg("pipeline event=custom_node_initialized")
		return &customExecutor{res: res, params: nc.Params}, nil
	default:
		return nil, invalidf("pipeline %s: node %s: unknown kind %q", p.name, nc.Name, nc.Kind)
	}
}

// checkCustomInputs verifies the node binds only inputs the library declares.
// A library that declares nothing accepts any input.
func checkCustomInputs(nc config.NodeConfig, lib *extension.Library, res *nodeResources) error {
	infos, err := lib.Module.InputsInfo(nc.Params, res.state)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		return nil
	}
	known := make(map[string]bool, len(infos))
	for _, in := range infos {
		known[in.Name] = true
	}
	for _, in := range nc.Inputs {
		if !known[in.Name] {
			return fmt.Errorf("node %s: library %s has no input %q", nc.Name, lib.Name, in.Name)
		}
	}
	return nil
}

// checkCustomOutputs verifies downstream nodes only consume outputs a custom
// node's library declares.
func (p *Pipeline) checkCustomOutputs() error {
	for _, r := range p.resources {
		infos, err := r.lib.Module.OutputsInfo(r.params, r.state)
		if err != nil {
			return invalidf("pipeline %s: node %s: %v", p.name, r.node, err)
		}
		if len(infos) == 0 {
			continue
		}
		known := make(map[string]bool, len(infos))
		for _, o := range infos {
			known[o.Name] = true
		}
		for _, n := range p.nodes {
			for _, pr := range n.mapping[r.node] {
				if !known[pr.Output] {
					return invalidf("pipeline %s: node %s: library %s has no output %q", p.name, r.node, r.lib.Name, pr.Output)
				}
			}
		}
	}
	return nil
}

// topoSort orders the nodes with Kahn's algorithm starting at the entry
// node. Nodes left over are part of a cycle or unreachable.
func topoSort(p *Pipeline) ([]string, error) {
	indegree := make(map[string]int, len(p.nodes))
	for name, n := range p.nodes {
		indegree[name] = len(n.mapping)
	}
	queue := []*Node{p.entry}
	visited := 0
	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		if n != p.entry && n != p.exit {
			order = append(order, n.name)
		}
		next := append([]*Node(nil), n.downstream...)
		sort.Slice(next, func(i, j int) bool { return next[i].name < next[j].name })
		for _, d := range next {
			indegree[d.name]--
			if indegree[d.name] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if visited != len(p.nodes) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 || (name != p.entry.name && len(p.nodes[name].mapping) == 0) {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, invalidf("pipeline %s: cycle or unreachable nodes: %v", p.name, stuck)
	}
	return order, nil
}
