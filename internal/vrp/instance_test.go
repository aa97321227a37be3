package vrp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrpopt/internal/model"
)

func TestFromRequestNormalizesIntoUnitSquare(t *testing.T) {
	depot := model.Depot{ID: "d", Lat: 40.0, Lon: -3.0}
	customers := []model.Customer{
		{ID: "a", Lat: 40.2, Lon: -3.1, Demand: 3, Priority: 1},
		{ID: "b", Lat: 39.9, Lon: -2.8, Demand: 4, Priority: 5},
	}
	inst := FromRequest(depot, customers, []model.Vehicle{{ID: "v", Capacity: 10}}, 20)

	require.Len(t, inst.Nodes, 2)
	for _, n := range inst.Nodes {
		assert.GreaterOrEqual(t, n.X, 0.0)
		assert.LessOrEqual(t, n.X, 1.0)
		assert.GreaterOrEqual(t, n.Y, 0.0)
		assert.LessOrEqual(t, n.Y, 1.0)
	}
	assert.InDelta(t, 0.0, inst.Nodes[0].X, 1e-9, "min lon maps to x=0")
	assert.InDelta(t, 1.0, inst.Nodes[0].Y, 1e-9, "max lat maps to y=1")

	lat, lon := inst.Bounds.Denormalize(inst.Nodes[1].Point())
	assert.InDelta(t, 39.9, lat, 1e-9)
	assert.InDelta(t, -2.8, lon, 1e-9)
	assert.Equal(t, 7, inst.TotalDemand())
}

func TestFromRequestDegenerateBox(t *testing.T) {
	depot := model.Depot{Lat: 1, Lon: 1}
	inst := FromRequest(depot, []model.Customer{{ID: "a", Lat: 1, Lon: 1, Demand: 1, Priority: 1}}, nil, 20)
	assert.Equal(t, Point{}, inst.Depot)
	assert.Equal(t, Point{}, inst.Nodes[0].Point())
}

func TestGeneratorRanges(t *testing.T) {
	g := NewGenerator(7, 30, 3, 100, 20)
	inst := g.Next()
	require.Len(t, inst.Nodes, 30)
	require.Len(t, inst.Vehicles, 3)
	assert.Equal(t, Point{X: 0.5, Y: 0.5}, inst.Depot)
	for _, n := range inst.Nodes {
		assert.True(t, n.X >= 0.1 && n.X <= 0.9)
		assert.True(t, n.Y >= 0.1 && n.Y <= 0.9)
		assert.True(t, n.Demand >= 1 && n.Demand <= 20)
		assert.True(t, n.Priority >= 1 && n.Priority <= 5)
	}
	again := NewGenerator(7, 30, 3, 100, 20).Next()
	assert.Equal(t, inst.Nodes, again.Nodes, "same seed, same instance")
}

func TestHaversineKm(t *testing.T) {
	// Madrid to Barcelona, roughly 505 km.
	d := HaversineKm(40.4168, -3.7038, 41.3874, 2.1686)
	assert.InDelta(t, 505, d, 5)
	assert.Zero(t, HaversineKm(1, 1, 1, 1))
	assert.InDelta(t, 5.0, Euclid(Point{0, 0}, Point{3, 4}), 1e-12)
}
