// =============================================================================
// 文件: internal/rate/types.go
// 描述: 速率目录 - 基础类型定义 (模式、带宽、天线、频段、速率)
// =============================================================================
package rate

import (
	"fmt"
	"math/bits"
)

// =============================================================================
// 传输模式
// =============================================================================

// Mode 速率所属的 PHY 模式
type Mode uint8

const (
	ModeNone Mode = iota
	ModeLegacyA
	ModeLegacyG
	ModeHTSISO
	ModeHTMIMO2
	ModeVHTSISO
	ModeVHTMIMO2
	ModeHESISO
	ModeHEMIMO2
)

// String 返回模式字符串
func (m Mode) String() string {
	switch m {
	case ModeLegacyA:
		return "legacy-a"
	case ModeLegacyG:
		return "legacy-g"
	case ModeHTSISO:
		return "ht-siso"
	case ModeHTMIMO2:
		return "ht-mimo2"
	case ModeVHTSISO:
		return "vht-siso"
	case ModeVHTMIMO2:
		return "vht-mimo2"
	case ModeHESISO:
		return "he-siso"
	case ModeHEMIMO2:
		return "he-mimo2"
	default:
		return "none"
	}
}

func (m Mode) IsLegacy() bool { return m == ModeLegacyA || m == ModeLegacyG }
func (m Mode) IsHT() bool     { return m == ModeHTSISO || m == ModeHTMIMO2 }
func (m Mode) IsVHT() bool    { return m == ModeVHTSISO || m == ModeVHTMIMO2 }
func (m Mode) IsHE() bool     { return m == ModeHESISO || m == ModeHEMIMO2 }

// IsSISO 单流 (HT/VHT/HE)
func (m Mode) IsSISO() bool {
	return m == ModeHTSISO || m == ModeVHTSISO || m == ModeHESISO
}

// IsMIMO2 双流 (HT/VHT/HE)
func (m Mode) IsMIMO2() bool {
	return m == ModeHTMIMO2 || m == ModeVHTMIMO2 || m == ModeHEMIMO2
}

// Streams 模式隐含的空间流数
func (m Mode) Streams() int {
	switch {
	case m == ModeNone:
		return 0
	case m.IsMIMO2():
		return 2
	default:
		return 1
	}
}

// =============================================================================
// 信道带宽
// =============================================================================

// Bandwidth 信道带宽 (编码值即硬件字段值)
type Bandwidth uint8

const (
	BW20 Bandwidth = iota
	BW40
	BW80
	BW160
)

// MHz 返回带宽兆赫数
func (b Bandwidth) MHz() int {
	return 20 << b
}

// String 返回带宽字符串
func (b Bandwidth) String() string {
	if b > BW160 {
		return "bad-bw"
	}
	return fmt.Sprintf("%dMHz", b.MHz())
}

// =============================================================================
// 天线
// =============================================================================

// Antenna 天线位图
type Antenna uint8

const (
	AntNone Antenna = 0
	AntA    Antenna = 1 << 0
	AntB    Antenna = 1 << 1
	AntC    Antenna = 1 << 2
	AntAB           = AntA | AntB
	AntBC           = AntB | AntC
	AntABC          = AntA | AntB | AntC
)

// Count 天线数量
func (a Antenna) Count() int {
	return bits.OnesCount8(uint8(a & AntABC))
}

// String 返回天线字符串
func (a Antenna) String() string {
	switch a {
	case AntNone:
		return "NONE"
	case AntA:
		return "A"
	case AntB:
		return "B"
	case AntAB:
		return "AB"
	case AntC:
		return "C"
	case AntBC:
		return "BC"
	case AntABC:
		return "ABC"
	default:
		return "UNKNOWN"
	}
}

// IsValid ant 是否全部落在 valid 内
func (a Antenna) IsValid(valid Antenna) bool {
	return a&valid == a
}

// FirstAntenna 返回掩码中编号最小的天线
func FirstAntenna(mask Antenna) Antenna {
	if mask == AntNone {
		return AntNone
	}
	return Antenna(1 << bits.TrailingZeros8(uint8(mask)))
}

var antToggle = map[Antenna]Antenna{
	AntNone: AntNone,
	AntA:    AntB,
	AntB:    AntA,
	AntAB:   AntAB,
}

// ToggleAntenna 切换到下一个可用天线，没有其它可用天线时返回 false
func ToggleAntenna(valid, ant Antenna) (Antenna, bool) {
	if ant == AntNone || ant&AntC != 0 {
		return ant, false
	}
	if !ant.IsValid(valid) {
		return ant, false
	}

	next := antToggle[ant]
	for next != ant && !next.IsValid(valid) {
		next = antToggle[next]
	}
	if next == ant {
		return ant, false
	}
	return next, true
}

// =============================================================================
// 频段
// =============================================================================

// Band 射频频段
type Band uint8

const (
	Band2GHz Band = iota
	Band5GHz
)

// String 返回频段字符串
func (b Band) String() string {
	if b == Band5GHz {
		return "5GHz"
	}
	return "2.4GHz"
}

// LegacyMode 频段对应的传统模式
func (b Band) LegacyMode() Mode {
	if b == Band5GHz {
		return ModeLegacyA
	}
	return ModeLegacyG
}

// =============================================================================
// 速率
// =============================================================================

// Rate 抽象速率描述 (模式标签 + 模式相关字段)
type Rate struct {
	Mode  Mode
	Index int
	Ant   Antenna
	BW    Bandwidth
	SGI   bool
	LDPC  bool
	STBC  bool
	BFER  bool
}

// Valid 速率可被硬件速率字完整表示，Decode(Encode(r)) == r 且不发生收敛
func (r Rate) Valid() bool {
	if r.Mode == ModeNone || r.Mode > ModeHEMIMO2 || r.Index < 0 || r.Index >= Count {
		return false
	}
	if r.BW > BW160 || r.Ant&^AntABC != 0 {
		return false
	}
	n := r.Ant.Count()

	switch {
	case r.Mode.IsLegacy():
		if r.Index > Index54M || r.BW != BW20 || r.SGI || r.LDPC || r.STBC || r.BFER {
			return false
		}
		// 5GHz 无 CCK
		if r.Mode == ModeLegacyA && r.Index <= LastCCK {
			return false
		}
		return n == 1
	case r.Mode.IsHT():
		if r.Index < FirstHT || r.Index > LastHT || r.Index == Index9M || r.BW > BW40 {
			return false
		}
	default:
		if r.Index < FirstVHT || r.Index > LastVHT || r.Index == Index9M {
			return false
		}
	}

	// STBC 只用于单流，编码时固定占用 A/B 两根天线
	if r.STBC {
		return r.Mode.IsSISO() && r.Ant == AntAB
	}
	if r.Mode.IsSISO() && r.BFER {
		return n == 1 || n == 2
	}
	return n == r.Mode.Streams()
}

// String 调试用字符串
func (r Rate) String() string {
	if r.Mode == ModeNone {
		return "NONE"
	}
	if r.Index < 0 || r.Index >= Count {
		return fmt.Sprintf("%s BAD_INDEX(%d)", r.Mode, r.Index)
	}
	if r.Mode.IsLegacy() {
		return fmt.Sprintf("%s | ANT: %s Rate: %s Mbps", r.Mode, r.Ant, Catalog[r.Index].Mbps)
	}
	gi := "NGI"
	if r.SGI {
		gi = "SGI"
	}
	s := fmt.Sprintf("%s | ANT: %s BW: %s MCS: %d %s", r.Mode, r.Ant, r.BW, MCS(r.Index), gi)
	if r.LDPC {
		s += " LDPC"
	}
	if r.STBC {
		s += " STBC"
	}
	if r.BFER {
		s += " BFER"
	}
	return s
}
