package position

import "github.com/shopspring/decimal"

// Placement 一次移动在目标容器中的落点
type Placement struct {
	// 目标下标（已裁剪到合法范围）
	Index int
	Lower *decimal.Decimal
	Upper *decimal.Decimal
	// 同容器且邻居不变：不需要写库
	NoOp bool
}

// Resolve 根据目标容器当前的兄弟节点计算邻居。
//
// siblings 是目标容器最新持久化的状态，sameContainer 为 true 时其中应包含 entityID 本身。
// targetIndex 是移动完成后实体在目标容器中的下标；负数或越界表示追加到末尾。
func Resolve(siblings []Sibling, entityID string, sameContainer bool, targetIndex int) Placement {
	sorted := Sorted(siblings)

	current := -1
	others := make([]Sibling, 0, len(sorted))
	for i, s := range sorted {
		if s.ID == entityID {
			current = i
			continue
		}
		others = append(others, s)
	}

	idx := targetIndex
	if idx < 0 || idx > len(others) {
		idx = len(others)
	}

	p := Placement{Index: idx}
	if sameContainer && current >= 0 && current == idx {
		p.NoOp = true
	}
	if idx > 0 {
		k := others[idx-1].Key
		p.Lower = &k
	}
	if idx < len(others) {
		k := others[idx].Key
		p.Upper = &k
	}
	return p
}

// Allocate 按落点分配新键
func (p Placement) Allocate() (decimal.Decimal, error) {
	return AllocateBetween(p.Lower, p.Upper)
}
