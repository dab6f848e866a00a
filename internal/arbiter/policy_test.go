package arbiter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/regsync/internal/model"
)

const policyYAML = `
field_policy:
  fields:
    registrant_name:
      locked: true
    expiry_date:
      strategy: fill_empty
    insurance_code.price:
      strategy: manual
`

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(policyYAML), 0o644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	assert.True(t, p.For(model.FieldRegistrantName).Locked)
	assert.Equal(t, model.StrategyFillEmpty, p.For(model.FieldExpiryDate).Strategy)
	assert.Equal(t, FieldPolicy{}, p.For(model.FieldStatus))
	assert.Equal(t, model.StrategyManual,
		p.For(model.DependentField(model.KindInsuranceCode, "C123", "price")).Strategy)
}

func TestLoadPolicy_EmptyPath(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, FieldPolicy{}, p.For(model.FieldStatus))
}

func TestLoadPolicy_Missing(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParsePolicy_UnknownStrategy(t *testing.T) {
	_, err := ParsePolicy([]byte("field_policy:\n  fields:\n    status:\n      strategy: newest\n"))
	assert.ErrorContains(t, err, "unknown strategy")
}

func TestPolicy_NilSafe(t *testing.T) {
	var p *Policy
	assert.Equal(t, FieldPolicy{}, p.For(model.FieldStatus))
}
