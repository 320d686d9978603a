package modules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/surface/pkg/core"
	"github.com/exploopio/surface/pkg/errors"
)

type stubModule struct {
	name string
	runs int
}

func (s *stubModule) Name() string        { return s.name }
func (s *stubModule) Description() string { return "stub " + s.name }
func (s *stubModule) Run(context.Context, string, core.Options) *core.ModuleResult {
	s.runs++
	return core.NewResult(s.name)
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	r.Register("alpha", func() core.Module { return &stubModule{name: "alpha"} })
	r.Register("", func() core.Module { return &stubModule{} })
	r.Register("nil", nil)

	assert.True(t, r.Has("alpha"))
	assert.False(t, r.Has(""))
	assert.False(t, r.Has("nil"))
	assert.Equal(t, []string{"alpha"}, r.Names())

	m, err := r.New("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", m.Name())

	_, err = r.New("ghost")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	r.Unregister("alpha")
	assert.False(t, r.Has("alpha"))
}

func TestRegistry_NewReturnsFreshInstances(t *testing.T) {
	r := NewRegistry()
	r.Register("alpha", func() core.Module { return &stubModule{name: "alpha"} })

	a, err := r.New("alpha")
	require.NoError(t, err)
	a.Run(context.Background(), "example.com", nil)

	b, err := r.New("alpha")
	require.NoError(t, err)
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, b.(*stubModule).runs)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("alpha", func() core.Module { return &stubModule{name: "first"} })
	r.Register("alpha", func() core.Module { return &stubModule{name: "second"} })

	m, err := r.New("alpha")
	require.NoError(t, err)
	assert.Equal(t, "second", m.Name())
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry(Dependencies{})

	assert.Equal(t, []string{
		core.ModuleAdminDetector,
		core.ModuleDNSEnumerator,
		core.ModulePortScanner,
		core.ModuleSSLAnalyzer,
		core.ModuleSubdomainTakeover,
		core.ModuleTechDetector,
		core.ModuleVulnChecker,
		core.ModuleWebCrawler,
	}, r.Names())

	for _, info := range r.Describe() {
		m, err := r.New(info.Name)
		require.NoError(t, err)
		assert.Equal(t, info.Name, m.Name(), "factory name must match registration")
		assert.NotEmpty(t, info.Description)
	}
	assert.False(t, r.Has(core.ModuleNVDCVEMatcher))
}
