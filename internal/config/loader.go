package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the served-model configuration: models, pipelines and the custom
// node libraries pipelines may reference.
type Config struct {
	Models    []ModelConfig    `json:"models" yaml:"models" toml:"models" hcl:"model,block"`
	Pipelines []PipelineConfig `json:"pipelines" yaml:"pipelines" toml:"pipelines" hcl:"pipeline,block"`
	Libraries []LibraryConfig  `json:"custom_node_libraries" yaml:"custom_node_libraries" toml:"custom_node_libraries" hcl:"custom_node_library,block"`
}

// ModelConfig describes one served model. Zero values mean "unspecified".
type ModelConfig struct {
	Name          string               `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	BasePath      string               `json:"base_path" yaml:"base_path" toml:"base_path" hcl:"base_path"`
	TargetDevice  string               `json:"target_device,omitempty" yaml:"target_device,omitempty" toml:"target_device,omitempty" hcl:"target_device,optional"`
	Shape         string               `json:"shape,omitempty" yaml:"shape,omitempty" toml:"shape,omitempty" hcl:"shape,optional"`
	Layout        string               `json:"layout,omitempty" yaml:"layout,omitempty" toml:"layout,omitempty" hcl:"layout,optional"`
	PluginConfig  map[string]string    `json:"plugin_config,omitempty" yaml:"plugin_config,omitempty" toml:"plugin_config,omitempty" hcl:"plugin_config,optional"`
	Nireq         int                  `json:"nireq,omitempty" yaml:"nireq,omitempty" toml:"nireq,omitempty" hcl:"nireq,optional"`
	VersionPolicy *VersionPolicyConfig `json:"model_version_policy,omitempty" yaml:"model_version_policy,omitempty" toml:"model_version_policy,omitempty" hcl:"model_version_policy,block"`

	Stateful               bool `json:"stateful,omitempty" yaml:"stateful,omitempty" toml:"stateful,omitempty" hcl:"stateful,optional"`
	SequenceTimeoutSeconds int  `json:"sequence_timeout_seconds,omitempty" yaml:"sequence_timeout_seconds,omitempty" toml:"sequence_timeout_seconds,omitempty" hcl:"sequence_timeout_seconds,optional"`
	MaxSequences           int  `json:"max_sequence_number,omitempty" yaml:"max_sequence_number,omitempty" toml:"max_sequence_number,omitempty" hcl:"max_sequence_number,optional"`
}

// Version policy kinds.
const (
	PolicyAll      = "all"
	PolicyLatest   = "latest"
	PolicySpecific = "specific"
)

// VersionPolicyConfig selects which of the available versions are served.
// A nil policy means latest with one version.
type VersionPolicyConfig struct {
	Kind        string  `json:"kind" yaml:"kind" toml:"kind" hcl:"kind"`
	NumVersions int     `json:"num_versions,omitempty" yaml:"num_versions,omitempty" toml:"num_versions,omitempty" hcl:"num_versions,optional"`
	Versions    []int64 `json:"versions,omitempty" yaml:"versions,omitempty" toml:"versions,omitempty" hcl:"versions,optional"`
}

// Node kinds.
const (
	NodeKindModel  = "model"
	NodeKindCustom = "custom"
)

// Reserved pipeline node names.
const (
	EntryNodeName = "request"
	ExitNodeName  = "response"
)

// PipelineConfig describes a DAG. Inputs are the names exposed by the entry
// node; Outputs map the exit node's inputs to upstream outputs.
type PipelineConfig struct {
	Name    string        `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	Inputs  []string      `json:"inputs" yaml:"inputs" toml:"inputs" hcl:"inputs"`
	Nodes   []NodeConfig  `json:"nodes" yaml:"nodes" toml:"nodes" hcl:"node,block"`
	Outputs []InputConfig `json:"outputs" yaml:"outputs" toml:"outputs" hcl:"output,block"`
}

// NodeConfig is one step of a pipeline.
type NodeConfig struct {
	Name         string            `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	Kind         string            `json:"kind" yaml:"kind" toml:"kind" hcl:"kind"`
	ModelName    string            `json:"model_name,omitempty" yaml:"model_name,omitempty" toml:"model_name,omitempty" hcl:"model_name,optional"`
	ModelVersion int64             `json:"model_version,omitempty" yaml:"model_version,omitempty" toml:"model_version,omitempty" hcl:"model_version,optional"`
	LibraryName  string            `json:"library_name,omitempty" yaml:"library_name,omitempty" toml:"library_name,omitempty" hcl:"library_name,optional"`
	Params       map[string]string `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty" hcl:"params,optional"`
	Inputs       []InputConfig     `json:"inputs" yaml:"inputs" toml:"inputs" hcl:"input,block"`
}

// InputConfig binds input Name of a node to output Output of node Source.
type InputConfig struct {
	Name   string `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	Source string `json:"source" yaml:"source" toml:"source" hcl:"source"`
	Output string `json:"output" yaml:"output" toml:"output" hcl:"output"`
}

// LibraryConfig names a custom node library on disk.
type LibraryConfig struct {
	Name string `json:"name" yaml:"name" toml:"name" hcl:"name,label"`
	Path string `json:"base_path" yaml:"base_path" toml:"base_path" hcl:"base_path"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml, .hcl
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".hcl":
		if err := hclsimple.Decode(filepath.Base(path), b, nil, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Model returns the model config with the given name.
func (c Config) Model(name string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// LibraryNames returns the names of all configured custom node libraries.
func (c Config) LibraryNames() []string {
	out := make([]string, 0, len(c.Libraries))
	for _, l := range c.Libraries {
		out = append(out, l.Name)
	}
	return out
}
