package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the parts of the configuration that affect which versions
// are served and how pipelines are wired. Graph-level checks (cycles, model
// availability) belong to the pipeline builder.
func (c Config) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			errs = append(errs, fmt.Errorf("models[%d]: name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("model %q: duplicate name", m.Name))
		}
		seen[m.Name] = true
		if strings.TrimSpace(m.BasePath) == "" {
			errs = append(errs, fmt.Errorf("model %q: base_path is required", m.Name))
		}
		if m.SequenceTimeoutSeconds < 0 || m.MaxSequences < 0 || m.Nireq < 0 {
			errs = append(errs, fmt.Errorf("model %q: negative limits are not allowed", m.Name))
		}
		if err := m.VersionPolicy.validate(); err != nil {
			errs = append(errs, fmt.Errorf("model %q: %w", m.Name, err))
		}
	}

	libs := map[string]bool{}
	for i, l := range c.Libraries {
		if strings.TrimSpace(l.Name) == "" {
			errs = append(errs, fmt.Errorf("custom_node_libraries[%d]: name is required", i))
			continue
		}
		if libs[l.Name] {
			errs = append(errs, fmt.Errorf("library %q: duplicate name", l.Name))
		}
		libs[l.Name] = true
	}

	pipes := map[string]bool{}
	for i, p := range c.Pipelines {
		if strings.TrimSpace(p.Name) == "" {
			errs = append(errs, fmt.Errorf("pipelines[%d]: name is required", i))
			continue
		}
		if pipes[p.Name] || seen[p.Name] {
			errs = append(errs, fmt.Errorf("pipeline %q: name already used", p.Name))
		}
		pipes[p.Name] = true
		for _, n := range p.Nodes {
			switch {
			case n.Name == EntryNodeName || n.Name == ExitNodeName:
				errs = append(errs, fmt.Errorf("pipeline %q: node name %q is reserved", p.Name, n.Name))
			case n.Kind == NodeKindModel && n.ModelName == "":
				errs = append(errs, fmt.Errorf("pipeline %q: node %q: model_name is required", p.Name, n.Name))
			case n.Kind == NodeKindCustom && n.LibraryName == "":
				errs = append(errs, fmt.Errorf("pipeline %q: node %q: library_name is required", p.Name, n.Name))
			case n.Kind != NodeKindModel && n.Kind != NodeKindCustom:
				errs = append(errs, fmt.Errorf("pipeline %q: node %q: unknown kind %q", p.Name, n.Name, n.Kind))
			}
		}
	}
	return errors.Join(errs...)
}

func (p *VersionPolicyConfig) validate() error {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case PolicyAll:
	case PolicyLatest:
		if p.NumVersions < 0 {
			return fmt.Errorf("latest policy: num_versions must be positive")
		}
	case PolicySpecific:
		if len(p.Versions) == 0 {
			return fmt.Errorf("specific policy: versions are required")
		}
		for _, v := range p.Versions {
			if v <= 0 {
				return fmt.Errorf("specific policy: version %d is not positive", v)
			}
		}
	default:
		return fmt.Errorf("unknown version policy kind %q", p.Kind)
	}
	return nil
}
