package region

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegions() []*Region {
	return []*Region{
		{Name: "us-east", Role: RolePrimary, Priority: 1},
		{Name: "us-west", Role: RoleStandbyHot, Priority: 2},
		{Name: "eu-central", Role: RoleStandbyHot, Priority: 3},
		{Name: "ap-south", Role: RoleStandbyCold, Priority: 4},
	}
}

func TestNewRegistry(t *testing.T) {
	t.Run("valid set", func(t *testing.T) {
		g, err := NewRegistry(testRegions())
		require.NoError(t, err)
		assert.Equal(t, "us-east", g.Primary().Name)
	})

	t.Run("no regions", func(t *testing.T) {
		_, err := NewRegistry(nil)
		assert.Error(t, err)
	})

	t.Run("two primaries", func(t *testing.T) {
		_, err := NewRegistry([]*Region{
			{Name: "a", Role: RolePrimary},
			{Name: "b", Role: RolePrimary},
		})
		assert.Error(t, err)
	})

	t.Run("no primary", func(t *testing.T) {
		_, err := NewRegistry([]*Region{{Name: "a", Role: RoleStandbyHot}})
		assert.Error(t, err)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := NewRegistry([]*Region{
			{Name: "a", Role: RolePrimary},
			{Name: "a", Role: RoleStandbyHot},
		})
		assert.Error(t, err)
	})
}

func TestRegistry_SetPrimary(t *testing.T) {
	g, err := NewRegistry(testRegions())
	require.NoError(t, err)

	require.NoError(t, g.SetPrimary("us-west"))

	assert.Equal(t, "us-west", g.Primary().Name)

	old, ok := g.Get("us-east")
	require.True(t, ok)
	assert.Equal(t, RoleStandbyHot, old.Role)

	// Exactly one primary after the swap.
	primaries := 0
	for _, r := range g.List() {
		if r.Role == RolePrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestRegistry_SetPrimary_Errors(t *testing.T) {
	g, err := NewRegistry(testRegions())
	require.NoError(t, err)

	assert.Error(t, g.SetPrimary("nope"))
	assert.Error(t, g.SetPrimary("ap-south")) // cold standby
	assert.NoError(t, g.SetPrimary("us-east")) // already primary, no-op
	assert.Equal(t, "us-east", g.Primary().Name)
}

func TestRegistry_HotStandbys_PriorityOrder(t *testing.T) {
	g, err := NewRegistry(testRegions())
	require.NoError(t, err)

	standbys := g.HotStandbys()
	require.Len(t, standbys, 2)
	assert.Equal(t, "us-west", standbys[0].Name)
	assert.Equal(t, "eu-central", standbys[1].Name)
}

func TestRegistry_SetRole(t *testing.T) {
	g, err := NewRegistry(testRegions())
	require.NoError(t, err)

	require.NoError(t, g.SetRole("us-west", RoleStandbyCold))
	r, _ := g.Get("us-west")
	assert.Equal(t, RoleStandbyCold, r.Role)

	assert.Error(t, g.SetRole("us-west", RolePrimary))
	assert.Error(t, g.SetRole("nope", RoleStandbyHot))
}

func TestRegistry_RecordHealth(t *testing.T) {
	g, err := NewRegistry(testRegions())
	require.NoError(t, err)

	hb := time.Now()
	g.RecordHealth("us-east", 42.5, hb, 3)

	r, _ := g.Get("us-east")
	assert.Equal(t, 42.5, r.HealthScore)
	assert.Equal(t, 3, r.ConsecutiveFailures)
	assert.Equal(t, hb, r.LastHeartbeat)

	// Unknown regions are ignored.
	g.RecordHealth("nope", 1, hb, 1)
}
