package arbiter

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/regsync/internal/model"
)

// Policy is the per-field arbitration policy file.
//
//	field_policy:
//	  fields:
//	    registrant_name:
//	      locked: true
//	    expiry_date:
//	      strategy: fill_empty
//	    device_variant.model_spec:
//	      strategy: manual
//
// Dependent attributes are keyed "<kind>.<attr>".
type Policy struct {
	Fields map[string]FieldPolicy `yaml:"fields"`
}

// FieldPolicy configures one field.
type FieldPolicy struct {
	Locked   bool                 `yaml:"locked"`
	Strategy model.UpsertStrategy `yaml:"strategy,omitempty"`
}

// LoadPolicy reads a field policy from a YAML file. An empty path yields an
// empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "arbiter: read policy %s", path)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a field policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var wrapper struct {
		FieldPolicy Policy `yaml:"field_policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "arbiter: parse policy")
	}
	p := &wrapper.FieldPolicy
	for name, fp := range p.Fields {
		if fp.Strategy != "" && !fp.Strategy.Valid() {
			return nil, eris.Errorf("arbiter: field %q: unknown strategy %q", name, fp.Strategy)
		}
	}
	return p, nil
}

// For returns the policy of a field. Dependent conflict fields resolve to
// their "<kind>.<attr>" entry.
func (p *Policy) For(field string) FieldPolicy {
	if p == nil {
		return FieldPolicy{}
	}
	if fp, ok := p.Fields[field]; ok {
		return fp
	}
	if ref, attr, ok := model.ParseDependentField(field); ok {
		return p.Fields[string(ref.Kind)+"."+attr]
	}
	return FieldPolicy{}
}
