package world

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Cell 世界网格坐标
type Cell struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

func (c Cell) Add(dx, dy int) Cell { return Cell{X: c.X + dx, Y: c.Y + dy} }

func (c Cell) Dist(o Cell) float64 {
	dx := float64(c.X - o.X)
	dy := float64(c.Y - o.Y)
	return math.Sqrt(dx*dx + dy*dy)
}

func (c Cell) String() string { return fmt.Sprintf("(%d,%d)", c.X, c.Y) }

// Fact 单格地形事实（位标志）
type Fact uint8

const (
	FactWater Fact = 1 << iota
	FactBridge
	FactPath
	FactBlocked
)

var factNames = []struct {
	f    Fact
	name string
}{
	{FactWater, "water"},
	{FactBridge, "bridge"},
	{FactPath, "path"},
	{FactBlocked, "blocked"},
}

// Occupiable 可站立：未被阻挡，且不是无桥的开阔水面
func (f Fact) Occupiable() bool {
	if f&FactBlocked != 0 {
		return false
	}
	if f&FactWater != 0 && f&FactBridge == 0 {
		return false
	}
	return true
}

func (f Fact) Names() []string {
	out := make([]string, 0, 2)
	for _, fn := range factNames {
		if f&fn.f != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

// ParseFacts 把 ["water","bridge"] 合成位标志；"land" 表示无事实
func ParseFacts(names []string) (Fact, error) {
	var f Fact
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "land" || n == "" {
			continue
		}
		found := false
		for _, fn := range factNames {
			if fn.name == n {
				f |= fn.f
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown terrain fact %q", n)
		}
	}
	return f, nil
}

// Terrain 稀疏地形表：未登记的格子取 Default
// 运行期只读，仅在世界搭建时写入
type Terrain struct {
	Width   int
	Height  int
	Default Fact
	cells   map[Cell]Fact
}

func NewTerrain(width, height int, def Fact) *Terrain {
	return &Terrain{Width: width, Height: height, Default: def, cells: make(map[Cell]Fact)}
}

func (t *Terrain) InBounds(c Cell) bool {
	return c.X >= 0 && c.Y >= 0 && c.X < t.Width && c.Y < t.Height
}

// Set 覆盖单格事实（可以为 0，表示显式陆地）
func (t *Terrain) Set(c Cell, f Fact) {
	if !t.InBounds(c) {
		return
	}
	t.cells[c] = f
}

// Add 在现有事实上叠加
func (t *Terrain) Add(c Cell, f Fact) {
	if !t.InBounds(c) {
		return
	}
	t.cells[c] = t.Fact(c) | f
}

func (t *Terrain) Fact(c Cell) Fact {
	if f, ok := t.cells[c]; ok {
		return f
	}
	return t.Default
}

// Occupiable 越界视为不可站立
func (t *Terrain) Occupiable(c Cell) bool {
	return t.InBounds(c) && t.Fact(c).Occupiable()
}

// CellFact 带坐标的事实
type CellFact struct {
	Cell Cell
	Fact Fact
}

// Within 返回半径内所有非空事实，按距离、坐标排序，最多 limit 条
func (t *Terrain) Within(center Cell, radius, limit int) []CellFact {
	out := make([]CellFact, 0, 16)
	for y := center.Y - radius; y <= center.Y+radius; y++ {
		for x := center.X - radius; x <= center.X+radius; x++ {
			c := Cell{X: x, Y: y}
			if !t.InBounds(c) || c.Dist(center) > float64(radius) {
				continue
			}
			if f := t.Fact(c); f != 0 {
				out = append(out, CellFact{Cell: c, Fact: f})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Cell.Dist(center), out[j].Cell.Dist(center)
		if di != dj {
			return di < dj
		}
		if out[i].Cell.Y != out[j].Cell.Y {
			return out[i].Cell.Y < out[j].Cell.Y
		}
		return out[i].Cell.X < out[j].Cell.X
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Nearest 从 c 开始按环扩展寻找最近的可站立格
func (t *Terrain) Nearest(c Cell) (Cell, bool) {
	if t.Occupiable(c) {
		return c, true
	}
	maxR := t.Width
	if t.Height > maxR {
		maxR = t.Height
	}
	for r := 1; r <= maxR; r++ {
		best, found := Cell{}, false
		bestD := math.MaxFloat64
		for y := c.Y - r; y <= c.Y+r; y++ {
			for x := c.X - r; x <= c.X+r; x++ {
				if abs(x-c.X) != r && abs(y-c.Y) != r {
					continue
				}
				cand := Cell{X: x, Y: y}
				if !t.Occupiable(cand) {
					continue
				}
				if d := cand.Dist(c); d < bestD {
					best, bestD, found = cand, d, true
				}
			}
		}
		if found {
			return best, true
		}
	}
	return Cell{}, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
