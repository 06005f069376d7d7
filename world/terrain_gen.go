package world

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// IslandConfig 程序化群岛参数
type IslandConfig struct {
	Seed          uint32
	IslandCount   int
	MinIslandSize int
	MaxIslandSize int
}

func DefaultIslandConfig(seed uint32) IslandConfig {
	return IslandConfig{Seed: seed, IslandCount: 9, MinIslandSize: 5, MaxIslandSize: 12}
}

type island struct {
	x, y, size int
	row, col   int
}

// lcg 与客户端一致的线性同余随机数，保证同种子同地图
type lcg struct{ state uint32 }

func (r *lcg) next() float64 {
	r.state = r.state*1664525 + 1013904223
	return float64(r.state) / 4294967296
}

// GenerateIslands 生成默认地形：海面上网格分布的岛屿，相邻岛屿之间架桥
func GenerateIslands(width, height int, cfg IslandConfig) *Terrain {
	t := NewTerrain(width, height, FactWater)
	rng := &lcg{state: cfg.Seed}

	grid := int(math.Ceil(math.Sqrt(float64(cfg.IslandCount))))
	spacingX := width / (grid + 1)
	spacingY := height / (grid + 1)
	byPos := make(map[[2]int]island)
	order := make([]island, 0, cfg.IslandCount)

	for row := 0; row < grid && len(order) < cfg.IslandCount; row++ {
		for col := 0; col < grid && len(order) < cfg.IslandCount; col++ {
			// 中心岛必定保留，保证出生点附近有陆地
			center := row == grid/2 && col == grid/2
			if !center && rng.next() < 0.15 {
				continue
			}
			bx := spacingX * (col + 1)
			by := spacingY * (row + 1)
			x := bx + int(math.Floor((rng.next()-0.5)*float64(spacingX)*0.3))
			y := by + int(math.Floor((rng.next()-0.5)*float64(spacingY)*0.3))

			dist := math.Hypot(float64(row-grid/2), float64(col-grid/2))
			maxDist := math.Hypot(float64(grid/2), float64(grid/2))
			bonus := 0
			if maxDist > 0 {
				bonus = int((1 - dist/maxDist) * 4)
			}
			size := cfg.MinIslandSize + bonus + int(rng.next()*3)
			size = max(cfg.MinIslandSize, min(cfg.MaxIslandSize, size))

			is := island{
				x:    max(size, min(width-size-1, x)),
				y:    max(size, min(height-size-1, y)),
				size: size,
				row:  row,
				col:  col,
			}
			byPos[[2]int{row, col}] = is
			order = append(order, is)
		}
	}

	for _, is := range order {
		placeIsland(t, is)
	}
	for _, is := range order {
		if right, ok := byPos[[2]int{is.row, is.col + 1}]; ok {
			placeBridge(t, is, right)
		}
		if down, ok := byPos[[2]int{is.row + 1, is.col}]; ok {
			placeBridge(t, is, down)
		}
	}
	return t
}

func placeIsland(t *Terrain, is island) {
	for dy := -is.size; dy <= is.size; dy++ {
		for dx := -is.size; dx <= is.size; dx++ {
			noise := math.Sin(float64(dx)*0.3) * math.Cos(float64(dy)*0.3) * 0.5
			if math.Hypot(float64(dx), float64(dy))+noise <= float64(is.size) {
				t.Set(Cell{X: is.x + dx, Y: is.y + dy}, 0)
			}
		}
	}
}

// placeBridge 沿两岛中心连线铺三格宽的桥；经过陆地的部分标为小路
func placeBridge(t *Terrain, a, b island) {
	dx := b.x - a.x
	dy := b.y - a.y
	steps := max(abs(dx), abs(dy))
	if steps == 0 {
		return
	}
	for i := 0; i <= steps; i++ {
		f := float64(i) / float64(steps)
		x := int(math.Floor(float64(a.x) + float64(dx)*f))
		y := int(math.Floor(float64(a.y) + float64(dy)*f))
		for off := -1; off <= 1; off++ {
			// 横向桥向上下加宽，纵向桥向左右加宽
			c := Cell{X: x, Y: y + off}
			if abs(dx) < abs(dy) {
				c = Cell{X: x + off, Y: y}
			}
			if !t.InBounds(c) {
				continue
			}
			if t.Fact(c)&FactWater != 0 {
				t.Add(c, FactBridge)
			} else {
				t.Add(c, FactPath)
			}
		}
	}
}

// terrainFile 地形文件格式
type terrainFile struct {
	Width   int      `yaml:"width"`
	Height  int      `yaml:"height"`
	Default []string `yaml:"default"`
	Regions []struct {
		Facts []string `yaml:"facts"`
		Rect  []int    `yaml:"rect"` // x, y, w, h
		Cells [][2]int `yaml:"cells"`
		Add   bool     `yaml:"add"`
	} `yaml:"regions"`
}

// LoadTerrain 从 YAML 文件读取地形布局
func LoadTerrain(path string) (*Terrain, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTerrain(raw)
}

func ParseTerrain(raw []byte) (*Terrain, error) {
	var tf terrainFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, fmt.Errorf("terrain: %w", err)
	}
	if tf.Width <= 0 || tf.Height <= 0 {
		return nil, fmt.Errorf("terrain: width and height must be positive")
	}
	def, err := ParseFacts(tf.Default)
	if err != nil {
		return nil, fmt.Errorf("terrain default: %w", err)
	}
	t := NewTerrain(tf.Width, tf.Height, def)
	for i, r := range tf.Regions {
		f, err := ParseFacts(r.Facts)
		if err != nil {
			return nil, fmt.Errorf("terrain region %d: %w", i, err)
		}
		apply := t.Set
		if r.Add {
			apply = t.Add
		}
		if len(r.Rect) > 0 {
			if len(r.Rect) != 4 {
				return nil, fmt.Errorf("terrain region %d: rect needs [x, y, w, h]", i)
			}
			for y := r.Rect[1]; y < r.Rect[1]+r.Rect[3]; y++ {
				for x := r.Rect[0]; x < r.Rect[0]+r.Rect[2]; x++ {
					apply(Cell{X: x, Y: y}, f)
				}
			}
		}
		for _, c := range r.Cells {
			apply(Cell{X: c[0], Y: c[1]}, f)
		}
	}
	return t, nil
}
