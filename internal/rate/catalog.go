// =============================================================================
// 文件: internal/rate/catalog.go
// 描述: 速率目录 - 静态速率表、相邻速率查找、HT/VHT 到传统速率降级映射
// =============================================================================
package rate

import "math/bits"

// 速率索引 (目录位置)
const (
	Index1M  = 0
	Index2M  = 1
	Index5M  = 2
	Index11M = 3
	Index6M  = 4
	Index9M  = 5
	Index12M = 6
	Index18M = 7
	Index24M = 8
	Index36M = 9
	Index48M = 10
	Index54M = 11

	IndexMCS0 = 4
	IndexMCS1 = 6
	IndexMCS2 = 7
	IndexMCS3 = 8
	IndexMCS4 = 9
	IndexMCS5 = 10
	IndexMCS6 = 11
	IndexMCS7 = 12
	IndexMCS8 = 13
	IndexMCS9 = 14

	FirstCCK  = Index1M
	LastCCK   = Index11M
	FirstOFDM = Index6M
	FirstHT   = IndexMCS0
	LastHT    = IndexMCS7
	FirstVHT  = IndexMCS0
	LastVHT   = IndexMCS9

	// Count 目录条目数
	Count = 15

	// InvalidIndex 无效索引
	InvalidIndex = -1
)

// invalidPLCP 非传统速率的 PLCP 占位值
const invalidPLCP = 0xff

// Entry 目录条目
type Entry struct {
	Mbps string
	// PLCP 传统速率信号字段，非传统速率为 invalidPLCP
	PLCP uint8
	// MCS 对应的 HT/VHT MCS，没有时为 -1
	MCS int
	// 2.4GHz 传统速率回退链
	Prev int
	Next int
}

// Catalog 速率目录，进程启动后只读
var Catalog = [Count]Entry{
	Index1M:   {Mbps: "1", PLCP: 10, MCS: -1, Prev: InvalidIndex, Next: Index2M},
	Index2M:   {Mbps: "2", PLCP: 20, MCS: -1, Prev: Index1M, Next: Index5M},
	Index5M:   {Mbps: "5.5", PLCP: 55, MCS: -1, Prev: Index2M, Next: Index11M},
	Index11M:  {Mbps: "11", PLCP: 110, MCS: -1, Prev: Index9M, Next: Index12M},
	Index6M:   {Mbps: "6", PLCP: 13, MCS: 0, Prev: Index5M, Next: Index11M},
	Index9M:   {Mbps: "9", PLCP: 15, MCS: -1, Prev: Index6M, Next: Index11M},
	Index12M:  {Mbps: "12", PLCP: 5, MCS: 1, Prev: Index11M, Next: Index18M},
	Index18M:  {Mbps: "18", PLCP: 7, MCS: 2, Prev: Index12M, Next: Index24M},
	Index24M:  {Mbps: "24", PLCP: 9, MCS: 3, Prev: Index18M, Next: Index36M},
	Index36M:  {Mbps: "36", PLCP: 11, MCS: 4, Prev: Index24M, Next: Index48M},
	Index48M:  {Mbps: "48", PLCP: 1, MCS: 5, Prev: Index36M, Next: Index54M},
	Index54M:  {Mbps: "54", PLCP: 3, MCS: 6, Prev: Index48M, Next: InvalidIndex},
	IndexMCS7: {Mbps: "MCS7", PLCP: invalidPLCP, MCS: 7, Prev: InvalidIndex, Next: InvalidIndex},
	IndexMCS8: {Mbps: "MCS8", PLCP: invalidPLCP, MCS: 8, Prev: InvalidIndex, Next: InvalidIndex},
	IndexMCS9: {Mbps: "MCS9", PLCP: invalidPLCP, MCS: 9, Prev: InvalidIndex, Next: InvalidIndex},
}

// htToLegacy 列降级时 MCS 到传统速率的映射
var htToLegacy = [Count]int{
	IndexMCS0: Index6M,
	IndexMCS1: Index9M,
	IndexMCS2: Index12M,
	IndexMCS3: Index18M,
	IndexMCS4: Index24M,
	IndexMCS5: Index36M,
	IndexMCS6: Index48M,
	IndexMCS7: Index54M,
	IndexMCS8: Index54M,
	IndexMCS9: Index54M,
}

// MCS 返回索引对应的 MCS 值，非 MCS 索引返回 -1
func MCS(index int) int {
	if index < 0 || index >= Count {
		return -1
	}
	return Catalog[index].MCS
}

// IndexFromMCS MCS 值转目录索引 (跳过 9M)
func IndexFromMCS(mcs int) int {
	idx := mcs + IndexMCS0
	if idx >= Index9M {
		idx++
	}
	if idx < FirstHT || idx > LastVHT {
		return InvalidIndex
	}
	return idx
}

// HTToLegacy 列降级映射，index 超出 MCS 区间时取边界
func HTToLegacy(index int) int {
	if index < IndexMCS0 {
		index = IndexMCS0
	} else if index > IndexMCS9 {
		index = IndexMCS9
	}
	if index == Index9M {
		index = IndexMCS0
	}
	return htToLegacy[index]
}

// =============================================================================
// 支持速率掩码
// =============================================================================

// Mask 以目录索引为位的速率集合
type Mask uint16

// Has 是否包含 index
func (m Mask) Has(index int) bool {
	return index >= 0 && index < Count && m&(1<<uint(index)) != 0
}

// Lowest 最低索引，空集返回 InvalidIndex
func (m Mask) Lowest() int {
	if m == 0 {
		return InvalidIndex
	}
	return bits.TrailingZeros16(uint16(m))
}

// Highest 最高索引，空集返回 InvalidIndex
func (m Mask) Highest() int {
	if m == 0 {
		return InvalidIndex
	}
	return 15 - bits.LeadingZeros16(uint16(m))
}

// Adjacent 返回 index 在掩码内的下一个更低/更高速率。
// 5GHz 传统速率与 HT/VHT 按索引逐个查找，2.4GHz 传统速率走 Prev/Next 链
// (CCK 与 OFDM 速率不连续)。
func Adjacent(index int, mask Mask, mode Mode) (low, high int) {
	low, high = InvalidIndex, InvalidIndex
	if index < 0 || index >= Count {
		return low, high
	}

	if mode != ModeLegacyG {
		for i := index - 1; i >= 0; i-- {
			if mask.Has(i) {
				low = i
				break
			}
		}
		for i := index + 1; i < Count; i++ {
			if mask.Has(i) {
				high = i
				break
			}
		}
		return low, high
	}

	for l := index; l != InvalidIndex; {
		l = Catalog[l].Prev
		if l == InvalidIndex || mask.Has(l) {
			low = l
			break
		}
	}
	for h := index; h != InvalidIndex; {
		h = Catalog[h].Next
		if h == InvalidIndex || mask.Has(h) {
			high = h
			break
		}
	}
	return low, high
}

// HTMask HT 能力位图 (MCS 0-7) 转目录掩码，去掉 9M 位
func HTMask(rxmcs uint8) Mask {
	m := uint16(rxmcs) << 1
	m |= uint16(rxmcs) & 0x1
	m &^= 0x2
	return Mask(m << FirstOFDM)
}

// VHT MCS 支持等级 (每个 NSS 两位)
const (
	VHTMCSSupport07  = 0
	VHTMCSSupport08  = 1
	VHTMCSSupport09  = 2
	VHTMCSNotSupport = 3
)

// VHTMask 根据 VHT MCS map 计算指定 NSS 的目录掩码；20MHz 下 MCS9 不可用
func VHTMask(mcsMap uint16, nss int, bw Bandwidth) Mask {
	if nss < 1 || nss > 8 {
		return 0
	}
	var highest int
	switch (mcsMap >> (2 * uint(nss-1))) & 0x3 {
	case VHTMCSSupport07:
		highest = IndexMCS7
	case VHTMCSSupport08:
		highest = IndexMCS8
	case VHTMCSSupport09:
		highest = IndexMCS9
	default:
		return 0
	}

	var m Mask
	for i := IndexMCS0; i <= highest; i++ {
		if i == Index9M {
			continue
		}
		if i == IndexMCS9 && bw == BW20 {
			continue
		}
		m |= 1 << uint(i)
	}
	return m
}

// LegacyMask 传统速率列表 (500kbps 单位) 转目录掩码；5GHz 不含 CCK
func LegacyMask(rates []uint8, band Band) Mask {
	var m Mask
	for _, r := range rates {
		r &= 0x7f
		for i := 0; i <= Index54M; i++ {
			if band == Band5GHz && i <= LastCCK {
				continue
			}
			if legacyUnits[i] == r {
				m |= 1 << uint(i)
				break
			}
		}
	}
	return m
}

// legacyUnits 目录索引对应的速率 (500kbps 单位)
var legacyUnits = [Index54M + 1]uint8{2, 4, 11, 22, 12, 18, 24, 36, 48, 72, 96, 108}

// LegacyUnits 传统速率索引对应的 500kbps 单位值
func LegacyUnits(index int) uint8 {
	if index < 0 || index > Index54M {
		return 0
	}
	return legacyUnits[index]
}
