package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clawworld/protocol"
)

// testTerrain 10x10 陆地，x=5 一列是水，(5,5) 有桥，(2,2) 被阻挡
func testTerrain() *Terrain {
	t := NewTerrain(10, 10, 0)
	for y := 0; y < 10; y++ {
		t.Set(Cell{X: 5, Y: y}, FactWater)
	}
	t.Add(Cell{X: 5, Y: 5}, FactBridge)
	t.Set(Cell{X: 2, Y: 2}, FactBlocked)
	return t
}

func newTestStore(npcs ...NPC) *Store {
	return NewStore(testTerrain(), Cell{X: 0, Y: 0}, npcs)
}

func TestStore_UpsertNameUniqueness(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.UpsertPlayer(Player{ID: "a", Name: "Frank", Pos: Cell{X: 1, Y: 1}}))

	err := s.UpsertPlayer(Player{ID: "b", Name: "FRANK", Pos: Cell{X: 1, Y: 2}})
	assert.True(t, protocol.IsCode(err, protocol.ErrNameTaken))
	assert.Equal(t, 1, s.PlayerCount())

	p, ok := s.GetPlayer("frank")
	require.True(t, ok)
	assert.Equal(t, "a", p.ID)

	// 同 id 改名释放旧名
	require.NoError(t, s.UpsertPlayer(Player{ID: "a", Name: "Frankie", Pos: Cell{X: 1, Y: 1}}))
	_, ok = s.GetPlayer("Frank")
	assert.False(t, ok)
	require.NoError(t, s.UpsertPlayer(Player{ID: "b", Name: "Frank", Pos: Cell{X: 1, Y: 2}}))

	_, ok = s.RemovePlayer("b")
	require.True(t, ok)
	_, ok = s.GetPlayer("Frank")
	assert.False(t, ok)
	_, ok = s.RemovePlayer("b")
	assert.False(t, ok)
}

func TestStore_UpsertRejectsBadCell(t *testing.T) {
	s := newTestStore()
	for _, c := range []Cell{{X: 5, Y: 0}, {X: 2, Y: 2}, {X: -1, Y: 0}, {X: 10, Y: 3}} {
		err := s.UpsertPlayer(Player{ID: "a", Name: "Frank", Pos: c})
		assert.True(t, protocol.IsCode(err, protocol.ErrIntegrity), c.String())
	}
	assert.Zero(t, s.PlayerCount())
	assert.True(t, s.IsOccupiable(Cell{X: 5, Y: 5}))
}

func TestStore_Walk(t *testing.T) {
	s := newTestStore()
	cases := []struct {
		name      string
		from      Cell
		dir       protocol.Direction
		steps     int
		want      Cell
		wantTaken int
	}{
		{"stops before water", Cell{X: 3, Y: 0}, protocol.East, 5, Cell{X: 4, Y: 0}, 1},
		{"crosses bridge", Cell{X: 3, Y: 5}, protocol.East, 4, Cell{X: 7, Y: 5}, 4},
		{"edge of world", Cell{X: 0, Y: 0}, protocol.West, 3, Cell{X: 0, Y: 0}, 0},
		{"blocked cell", Cell{X: 2, Y: 0}, protocol.South, 5, Cell{X: 2, Y: 1}, 1},
		{"north decreases y", Cell{X: 0, Y: 3}, protocol.North, 2, Cell{X: 0, Y: 1}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, taken := s.Walk(tc.from, tc.dir, tc.steps)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantTaken, taken)
			assert.True(t, s.IsOccupiable(got))
		})
	}
}

func TestStore_MovePlayer(t *testing.T) {
	s := newTestStore()
	_, err := s.MovePlayer("ghost", Cell{X: 1, Y: 1}, protocol.North)
	assert.True(t, protocol.IsCode(err, protocol.ErrNotJoined))

	require.NoError(t, s.UpsertPlayer(Player{ID: "a", Name: "Frank", Pos: Cell{X: 4, Y: 4}}))
	_, err = s.MovePlayer("a", Cell{X: 5, Y: 4}, protocol.East)
	assert.True(t, protocol.IsCode(err, protocol.ErrIntegrity))

	p, err := s.MovePlayer("a", Cell{X: 4, Y: 3}, protocol.North)
	require.NoError(t, err)
	assert.Equal(t, Cell{X: 4, Y: 3}, p.Pos)
	assert.Equal(t, protocol.North, p.Dir)
	got, _ := s.PlayerByID("a")
	assert.Equal(t, p.Pos, got.Pos)
}

func TestStore_Nearby(t *testing.T) {
	s := newTestStore(NPC{ID: "npc_sage", Name: "Old Sage", Pos: Cell{X: 1, Y: 0}})
	require.NoError(t, s.UpsertPlayer(Player{ID: "me", Name: "Me", Pos: Cell{X: 0, Y: 0}}))
	require.NoError(t, s.UpsertPlayer(Player{ID: "b", Name: "Bea", Pos: Cell{X: 0, Y: 2}}))
	require.NoError(t, s.UpsertPlayer(Player{ID: "c", Name: "Cal", Pos: Cell{X: 0, Y: 1}}))
	require.NoError(t, s.UpsertPlayer(Player{ID: "far", Name: "Far", Pos: Cell{X: 9, Y: 9}}))

	ps, ns := s.Nearby(Cell{X: 0, Y: 0}, 3, "me")
	require.Len(t, ps, 2)
	assert.Equal(t, "c", ps[0].ID)
	assert.Equal(t, "b", ps[1].ID)
	require.Len(t, ns, 1)
	assert.Equal(t, "npc_sage", ns[0].ID)

	n, ok := s.FindNPC("old sage")
	require.True(t, ok)
	assert.Equal(t, "npc_sage", n.ID)
	_, ok = s.FindNPC("nobody")
	assert.False(t, ok)
}

func TestNewStore_FixesSpawnAndNPCs(t *testing.T) {
	s := NewStore(testTerrain(), Cell{X: 5, Y: 0}, []NPC{{ID: "n", Name: "N", Pos: Cell{X: 2, Y: 2}}})
	assert.True(t, s.IsOccupiable(s.Spawn()))
	assert.NotEqual(t, Cell{X: 5, Y: 0}, s.Spawn())
	npcs := s.NPCs()
	require.Len(t, npcs, 1)
	assert.True(t, s.IsOccupiable(npcs[0].Pos))
	assert.Equal(t, StateIdle, npcs[0].State)
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, FoldName("Frank"), FoldName("  FRANK "))
	assert.Equal(t, FoldName("Straße"), FoldName("STRASSE"))
	assert.NotEqual(t, FoldName("Frank"), FoldName("Frankie"))
}
