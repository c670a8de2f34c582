package module

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr string
	}{
		{
			name: "valid",
			desc: Descriptor{Name: "contacts", Version: "1.2.0"},
		},
		{
			name: "valid with dots and hyphens",
			desc: Descriptor{Name: "billing.invoices-v2"},
		},
		{
			name:    "empty name",
			desc:    Descriptor{},
			wantErr: "cannot be empty",
		},
		{
			name:    "leading separator",
			desc:    Descriptor{Name: "-contacts"},
			wantErr: "invalid module name",
		},
		{
			name:    "whitespace",
			desc:    Descriptor{Name: "contacts module"},
			wantErr: "invalid module name",
		},
		{
			name:    "self dependency",
			desc:    Descriptor{Name: "deals", Dependencies: []string{"deals"}},
			wantErr: "cannot depend on itself",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestContextAccessors(t *testing.T) {
	app := map[string]any{"region": "eu-west-1"}
	mc := NewContext(ContextOptions{
		Env: "production",
		App: app,
	})

	assert.Equal(t, "production", mc.Env())
	assert.Equal(t, app, mc.App())
	assert.NotNil(t, mc.Log(), "nil logger option must fall back to nop")
	assert.Nil(t, mc.Surface())
}

func TestContextModule_NoResolver(t *testing.T) {
	mc := NewContext(ContextOptions{})

	_, err := mc.Module("contacts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not available")
}

// stubModule exercises the capability interfaces from a caller's view.
type stubModule struct {
	desc Descriptor
}

func (s *stubModule) Descriptor() Descriptor               { return s.desc }
func (s *stubModule) Init(context.Context, *Context) error { return nil }
func (s *stubModule) Health(context.Context) error         { return nil }

func TestCapabilityAssertions(t *testing.T) {
	var m Module = &stubModule{desc: Descriptor{Name: "contacts"}}

	_, ok := m.(HealthReporter)
	assert.True(t, ok, "stub implements HealthReporter")

	_, ok = m.(SurfaceProvider)
	assert.False(t, ok, "stub does not implement SurfaceProvider")

	_, ok = m.(ShutdownHook)
	assert.False(t, ok, "stub does not implement ShutdownHook")
}
