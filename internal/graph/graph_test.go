package graph

import (
	"errors"
	"testing"

	"github.com/nholik/skyward/internal/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deployment(services ...spec.ServiceSpec) *spec.DeploymentSpec {
	return &spec.DeploymentSpec{Name: "test", Tier: spec.TierDevelopment, StorageRoot: "/tmp", Services: services}
}

func svc(id string, deps ...string) spec.ServiceSpec {
	return spec.ServiceSpec{ID: id, Kind: spec.KindFeedGenerator, DependsOn: deps}
}

func TestBuild_TopologicalOrderAndLevels(t *testing.T) {
	d := deployment(
		svc("feed-a", "jetstream"),
		svc("pds"),
		svc("jetstream", "pds"),
		svc("ozone", "pds"),
		svc("feed-b", "jetstream"),
	)

	g, err := Build(d)
	require.NoError(t, err)

	assert.Equal(t, []string{"pds", "jetstream", "feed-a", "ozone", "feed-b"}, g.Order())
	assert.Equal(t, [][]string{
		{"pds"},
		{"jetstream", "ozone"},
		{"feed-a", "feed-b"},
	}, g.Levels())
	assert.Equal(t, 2, g.Level("feed-b"))
	assert.Equal(t, -1, g.Level("missing"))
}

func TestBuild_Deterministic(t *testing.T) {
	d := deployment(
		svc("c"), svc("a"), svc("b", "a", "c"), svc("d", "b"), svc("e"),
	)
	first, err := Build(d)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := Build(d)
		require.NoError(t, err)
		require.Equal(t, first.Order(), again.Order())
		require.Equal(t, first.Levels(), again.Levels())
	}
	assert.Equal(t, []string{"c", "a", "b", "d", "e"}, first.Order())
}

func TestGraph_LevelsKeepDeclarationOrder(t *testing.T) {
	d := deployment(
		svc("pds"),
		svc("feed-z", "pds"),
		svc("ozone", "pds"),
		svc("feed-a", "pds"),
		svc("jetstream", "pds"),
	)
	g, err := Build(d)
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"pds"}, {"feed-z", "ozone", "feed-a", "jetstream"}}, g.Levels())
	assert.Equal(t, []string{"feed-z", "ozone", "feed-a", "jetstream"}, g.Dependents("pds"))
}

func TestBuild_CycleNamesEveryNode(t *testing.T) {
	tests := []struct {
		name     string
		services []spec.ServiceSpec
		want     []string
	}{
		{
			name:     "three node loop",
			services: []spec.ServiceSpec{svc("a", "b"), svc("b", "c"), svc("c", "a")},
			want:     []string{"a", "b", "c"},
		},
		{
			name:     "loop behind an acyclic prefix",
			services: []spec.ServiceSpec{svc("root"), svc("x", "root", "y"), svc("y", "z"), svc("z", "x")},
			want:     []string{"x", "y", "z"},
		},
		{
			name:     "two node loop",
			services: []spec.ServiceSpec{svc("p", "q"), svc("q", "p")},
			want:     []string{"p", "q"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := Build(deployment(tt.services...))
			require.Nil(t, g)

			var cycle *CycleError
			require.True(t, errors.As(err, &cycle), "expected CycleError, got %v", err)
			assert.ElementsMatch(t, tt.want, cycle.Cycle)
			for _, id := range tt.want {
				assert.Contains(t, cycle.Error(), id)
			}
		})
	}
}

func TestGraph_DownstreamAndDependents(t *testing.T) {
	g, err := Build(deployment(
		svc("pds"),
		svc("jetstream", "pds"),
		svc("feed", "jetstream"),
		svc("ozone", "pds"),
		svc("solo"),
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"jetstream", "feed", "ozone"}, g.Downstream("pds"))
	assert.Equal(t, []string{"feed"}, g.Downstream("jetstream"))
	assert.Empty(t, g.Downstream("solo"))
	assert.Equal(t, []string{"jetstream", "ozone"}, g.Dependents("pds"))
	assert.Equal(t, []string{"jetstream"}, g.Dependencies("feed"))
	assert.True(t, g.Has("solo"))
}

func TestBuild_UnknownDependency(t *testing.T) {
	_, err := Build(deployment(svc("a", "ghost")))
	require.Error(t, err)
	var cycle *CycleError
	assert.False(t, errors.As(err, &cycle))
}
