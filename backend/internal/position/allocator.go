// Package position 负责列表/卡片的排序键（order key）分配。
//
// 排序键是定点小数（小数点后 9 位，对应数据库 DECIMAL(30,9)）。
// 单次移动只改写被移动的那一行：新键取目标邻居的中点，不需要重排兄弟节点。
// 反复在同一位置插入会把间隙二分到精度耗尽，此时需要 Rebalance。
package position

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Scale 排序键的小数位数
const Scale int32 = 9

var (
	// Step 追加到末尾时的固定步长，也是 Rebalance 后的间距
	Step = decimal.NewFromInt(1000)
	// Epsilon 可表示的最小增量 1e-9
	Epsilon = decimal.New(1, -Scale)
	// MinGap 相邻两个键之间还能取出不同中点的最小间隙
	MinGap = Epsilon.Mul(decimal.NewFromInt(2))

	two = decimal.NewFromInt(2)
)

// ErrKeySpaceExhausted 邻居之间已经没有可表示的中点，需要先 Rebalance 容器
var ErrKeySpaceExhausted = errors.New("order key space exhausted")

// InvalidRangeError 调用方给出的邻居顺序不对（通常是读到了旧数据），应重新读取兄弟节点后重试一次
type InvalidRangeError struct {
	Lower decimal.Decimal
	Upper decimal.Decimal
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid key range: lower %s >= upper %s", e.Lower, e.Upper)
}

// IsInvalidRange 判断 err 链上是否有 InvalidRangeError
func IsInvalidRange(err error) bool {
	var e *InvalidRangeError
	return errors.As(err, &e)
}

// Sibling 同一容器内的一个实体及其排序键
type Sibling struct {
	ID  string
	Key decimal.Decimal
}

// Assignment Rebalance 结果：实体 -> 新键
type Assignment struct {
	ID  string
	Key decimal.Decimal
}

// AllocateInitial 追加到末尾：max + Step；容器为空时返回 Step
func AllocateInitial(keys []decimal.Decimal) decimal.Decimal {
	if len(keys) == 0 {
		return Step
	}
	return decimal.Max(keys[0], keys[1:]...).Add(Step)
}

// AllocateBetween 在 lower 与 upper 之间取一个新键，nil 表示该侧没有邻居。
func AllocateBetween(lower, upper *decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case lower != nil && upper != nil:
		if lower.GreaterThanOrEqual(*upper) {
			return decimal.Decimal{}, &InvalidRangeError{Lower: *lower, Upper: *upper}
		}
		mid := lower.Add(*upper).DivRound(two, Scale)
		if !mid.GreaterThan(*lower) || !mid.LessThan(*upper) {
			return decimal.Decimal{}, ErrKeySpaceExhausted
		}
		return mid, nil

	case upper != nil:
		// 插到最前面
		k := upper.DivRound(two, Scale)
		if k.IsPositive() && k.LessThan(*upper) {
			return k, nil
		}
		k = upper.Sub(Step)
		if !k.IsPositive() {
			k = Epsilon
		}
		if k.LessThan(*upper) {
			return k, nil
		}
		return decimal.Decimal{}, ErrKeySpaceExhausted

	case lower != nil:
		return lower.Add(Step), nil

	default:
		return Step, nil
	}
}

// NeedsRebalance keys 中任意相邻间隙小于 MinGap（或出现重复键、首键过小）时返回 true
func NeedsRebalance(keys []decimal.Decimal) bool {
	if len(keys) == 0 {
		return false
	}
	sorted := make([]decimal.Decimal, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	if sorted[0].LessThan(MinGap) {
		return true
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Sub(sorted[i-1]).LessThan(MinGap) {
			return true
		}
	}
	return false
}

// Rebalance 按给定顺序重新分配 Step, 2*Step, 3*Step, ...
// 结果必须由存储层在同一个事务里整体写入，部分写入会破坏顺序。
func Rebalance(orderedIDs []string) []Assignment {
	out := make([]Assignment, len(orderedIDs))
	for i, id := range orderedIDs {
		out[i] = Assignment{ID: id, Key: Step.Mul(decimal.NewFromInt(int64(i + 1)))}
	}
	return out
}

// RebalanceSiblings 先按显示顺序排序再 Rebalance
func RebalanceSiblings(siblings []Sibling) []Assignment {
	sorted := Sorted(siblings)
	ids := make([]string, len(sorted))
	for i, s := range sorted {
		ids[i] = s.ID
	}
	return Rebalance(ids)
}

// Sorted 返回按显示顺序排好的副本：键升序，键相同按 id 升序
func Sorted(siblings []Sibling) []Sibling {
	out := make([]Sibling, len(siblings))
	copy(out, siblings)
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].Key.Cmp(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Keys 取出所有键
func Keys(siblings []Sibling) []decimal.Decimal {
	keys := make([]decimal.Decimal, len(siblings))
	for i, s := range siblings {
		keys[i] = s.Key
	}
	return keys
}
