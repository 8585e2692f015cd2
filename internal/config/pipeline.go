package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/osa-io/osa/internal/domain"
	"github.com/osa-io/osa/internal/srn"
)

type (
	// Pipeline is the operator-provided pipeline definition: which sources
	// feed the platform and which hooks validate each convention. Loaded
	// once at startup; changes require a restart.
	Pipeline struct {
		Sources     []SourceSpec     `yaml:"sources"`
		Conventions []ConventionSpec `yaml:"conventions"`
	}

	// SourceSpec is the YAML shape of one source definition.
	SourceSpec struct {
		Name             string         `yaml:"name"`
		Image            string         `yaml:"image"`
		Digest           string         `yaml:"digest"`
		Config           map[string]any `yaml:"config"`
		Limits           LimitsSpec     `yaml:"limits"`
		Schedule         string         `yaml:"schedule"`
		InitialRunConfig map[string]any `yaml:"initial_run_config"`
		Convention       string         `yaml:"convention"`
	}

	// ConventionSpec binds a convention SRN to its ordered hook list.
	ConventionSpec struct {
		SRN   string     `yaml:"srn"`
		Hooks []HookSpec `yaml:"hooks"`
	}

	// HookSpec is the YAML shape of one hook definition.
	HookSpec struct {
		Name          string         `yaml:"name"`
		Image         string         `yaml:"image"`
		Digest        string         `yaml:"digest"`
		Config        map[string]any `yaml:"config"`
		Limits        LimitsSpec     `yaml:"limits"`
		RecordSchema  string         `yaml:"record_schema"`
		Cardinality   string         `yaml:"cardinality"`
		FeatureSchema []ColumnSpec   `yaml:"feature_schema"`
	}

	// LimitsSpec is the YAML shape of container limits.
	LimitsSpec struct {
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		Memory         string  `yaml:"memory"`
		CPU            float64 `yaml:"cpu"`
	}

	// ColumnSpec is the YAML shape of one feature column.
	ColumnSpec struct {
		Name     string `yaml:"name"`
		Type     string `yaml:"type"`
		Format   string `yaml:"format"`
		Required bool   `yaml:"required"`
	}
)

// LoadPipeline reads and validates a pipeline definition file. Every
// source and hook is structurally validated here so a bad definition fails
// boot instead of the first event that touches it.
func LoadPipeline(path string) (*Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read pipeline file: %w", domain.ErrConfiguration, err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: parse pipeline file: %w", domain.ErrConfiguration, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Validate checks the pipeline definition for structural soundness.
func (p *Pipeline) Validate() error {
	sourceNames := make(map[string]struct{}, len(p.Sources))

	for i := range p.Sources {
		src := p.Sources[i].ToDefinition()
		if err := src.Validate(); err != nil {
			return fmt.Errorf("%w: source %q: %w", domain.ErrConfiguration, p.Sources[i].Name, err)
		}

		if _, dup := sourceNames[src.Name]; dup {
			return fmt.Errorf("%w: duplicate source %q", domain.ErrConfiguration, src.Name)
		}

		sourceNames[src.Name] = struct{}{}

		if p.Sources[i].Convention != "" {
			if _, err := srn.Parse(p.Sources[i].Convention); err != nil {
				return fmt.Errorf("%w: source %q convention: %w", domain.ErrConfiguration, src.Name, err)
			}
		}
	}

	conventions := make(map[string]struct{}, len(p.Conventions))

	for _, conv := range p.Conventions {
		parsed, err := srn.Parse(conv.SRN)
		if err != nil {
			return fmt.Errorf("%w: convention %q: %w", domain.ErrConfiguration, conv.SRN, err)
		}

		if parsed.Kind != srn.KindConvention {
			return fmt.Errorf("%w: convention %q: kind must be %q", domain.ErrConfiguration, conv.SRN, srn.KindConvention)
		}

		if _, dup := conventions[conv.SRN]; dup {
			return fmt.Errorf("%w: duplicate convention %q", domain.ErrConfiguration, conv.SRN)
		}

		conventions[conv.SRN] = struct{}{}

		hookNames := make(map[string]struct{}, len(conv.Hooks))

		for i := range conv.Hooks {
			hook := conv.Hooks[i].ToDefinition()
			if err := hook.Validate(); err != nil {
				return fmt.Errorf("%w: convention %q hook %q: %w", domain.ErrConfiguration, conv.SRN, conv.Hooks[i].Name, err)
			}

			if _, dup := hookNames[hook.Manifest.Name]; dup {
				return fmt.Errorf("%w: convention %q: duplicate hook %q", domain.ErrConfiguration, conv.SRN, hook.Manifest.Name)
			}

			hookNames[hook.Manifest.Name] = struct{}{}
		}
	}

	return nil
}

// HooksFor returns the ordered hook definitions for a convention, or
// domain.ErrNotFound when the convention is not configured.
func (p *Pipeline) HooksFor(conventionSRN string) ([]domain.HookDefinition, error) {
	for _, conv := range p.Conventions {
		if conv.SRN != conventionSRN {
			continue
		}

		hooks := make([]domain.HookDefinition, 0, len(conv.Hooks))
		for i := range conv.Hooks {
			hooks = append(hooks, conv.Hooks[i].ToDefinition())
		}

		return hooks, nil
	}

	return nil, fmt.Errorf("%w: convention %q", domain.ErrNotFound, conventionSRN)
}

// SourceByName returns a configured source definition, or domain.ErrNotFound.
func (p *Pipeline) SourceByName(name string) (*domain.SourceDefinition, string, error) {
	for i := range p.Sources {
		if p.Sources[i].Name == name {
			def := p.Sources[i].ToDefinition()

			return &def, p.Sources[i].Convention, nil
		}
	}

	return nil, "", fmt.Errorf("%w: source %q", domain.ErrNotFound, name)
}

// ToDefinition converts the YAML shape to the domain value.
func (s *SourceSpec) ToDefinition() domain.SourceDefinition {
	return domain.SourceDefinition{
		Name:             s.Name,
		Image:            s.Image,
		Digest:           s.Digest,
		Config:           s.Config,
		Limits:           s.Limits.toDomain(),
		Schedule:         s.Schedule,
		InitialRunConfig: s.InitialRunConfig,
	}
}

// ToDefinition converts the YAML shape to the domain value.
func (h *HookSpec) ToDefinition() domain.HookDefinition {
	columns := make([]domain.ColumnDef, 0, len(h.FeatureSchema))
	for _, col := range h.FeatureSchema {
		columns = append(columns, domain.ColumnDef{
			Name:     col.Name,
			JSONType: domain.JSONType(col.Type),
			Format:   col.Format,
			Required: col.Required,
		})
	}

	return domain.HookDefinition{
		Image:  h.Image,
		Digest: h.Digest,
		Config: h.Config,
		Limits: h.Limits.toDomain(),
		Manifest: domain.HookManifest{
			Name:          h.Name,
			RecordSchema:  h.RecordSchema,
			Cardinality:   domain.Cardinality(h.Cardinality),
			FeatureSchema: domain.FeatureSchema{Columns: columns},
		},
	}
}

func (l *LimitsSpec) toDomain() domain.Limits {
	return domain.Limits{
		TimeoutSeconds: l.TimeoutSeconds,
		Memory:         l.Memory,
		CPU:            l.CPU,
	}
}
