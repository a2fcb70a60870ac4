// =============================================================================
// 文件: internal/column/column.go
// 描述: 列图 - 8 个静态 PHY 列 (传统/SISO/MIMO2 × 天线 × SGI) 及候选顺序
// =============================================================================
package column

import "github.com/mrcgq/linkrate/internal/rate"

// ID 列标识
type ID int8

const (
	LegacyAntA ID = iota
	LegacyAntB
	SISOAntA
	SISOAntB
	SISOAntASGI
	SISOAntBSGI
	MIMO2
	MIMO2SGI

	// Count 列数
	Count = 8

	// Invalid 无效列
	Invalid ID = -1

	// MaxNext 候选列上限
	MaxNext = 7
)

var idNames = [Count]string{
	"LEGACY_ANT_A", "LEGACY_ANT_B",
	"SISO_ANT_A", "SISO_ANT_B",
	"SISO_ANT_A_SGI", "SISO_ANT_B_SGI",
	"MIMO2", "MIMO2_SGI",
}

// String 返回列名
func (id ID) String() string {
	if !id.Valid() {
		return "INVALID"
	}
	return idNames[id]
}

// Valid 是否为已知列
func (id ID) Valid() bool {
	return id >= 0 && id < Count
}

// Mode 列的 PHY 类别
type Mode uint8

const (
	ModeInvalid Mode = iota
	ModeLegacy
	ModeSISO
	ModeMIMO2
)

// String 返回类别字符串
func (m Mode) String() string {
	switch m {
	case ModeLegacy:
		return "legacy"
	case ModeSISO:
		return "siso"
	case ModeMIMO2:
		return "mimo2"
	default:
		return "invalid"
	}
}

// ModeOf 速率模式对应的列类别
func ModeOf(m rate.Mode) Mode {
	switch {
	case m.IsLegacy():
		return ModeLegacy
	case m.IsSISO():
		return ModeSISO
	case m.IsMIMO2():
		return ModeMIMO2
	}
	return ModeInvalid
}

// Column 不可变列描述
type Column struct {
	ID     ID
	Mode   Mode
	Ant    rate.Antenna
	SGI    bool
	Next   [MaxNext]ID
	Checks []Predicate
}

func next(ids ...ID) [MaxNext]ID {
	var n [MaxNext]ID
	for i := range n {
		n[i] = Invalid
	}
	copy(n[:], ids)
	return n
}

var columns = [Count]Column{
	LegacyAntA: {
		ID: LegacyAntA, Mode: ModeLegacy, Ant: rate.AntA,
		Next:   next(LegacyAntB, SISOAntA, MIMO2),
		Checks: []Predicate{AntennaAvailable},
	},
	LegacyAntB: {
		ID: LegacyAntB, Mode: ModeLegacy, Ant: rate.AntB,
		Next:   next(LegacyAntA, SISOAntB, MIMO2),
		Checks: []Predicate{AntennaAvailable},
	},
	SISOAntA: {
		ID: SISOAntA, Mode: ModeSISO, Ant: rate.AntA,
		Next:   next(SISOAntB, MIMO2, SISOAntASGI, LegacyAntA, LegacyAntB),
		Checks: []Predicate{StbcBtCoexAllowed, AntennaAvailable},
	},
	SISOAntB: {
		ID: SISOAntB, Mode: ModeSISO, Ant: rate.AntB,
		Next:   next(SISOAntA, MIMO2, SISOAntBSGI, LegacyAntA, LegacyAntB),
		Checks: []Predicate{StbcBtCoexAllowed, AntennaAvailable},
	},
	SISOAntASGI: {
		ID: SISOAntASGI, Mode: ModeSISO, Ant: rate.AntA, SGI: true,
		Next:   next(SISOAntBSGI, MIMO2SGI, SISOAntA, LegacyAntA, LegacyAntB),
		Checks: []Predicate{StbcBtCoexAllowed, AntennaAvailable, ShortGuardIntervalSupported},
	},
	SISOAntBSGI: {
		ID: SISOAntBSGI, Mode: ModeSISO, Ant: rate.AntB, SGI: true,
		Next:   next(SISOAntASGI, MIMO2SGI, SISOAntB, LegacyAntA, LegacyAntB),
		Checks: []Predicate{StbcBtCoexAllowed, AntennaAvailable, ShortGuardIntervalSupported},
	},
	MIMO2: {
		ID: MIMO2, Mode: ModeMIMO2, Ant: rate.AntAB,
		Next:   next(SISOAntA, MIMO2SGI, LegacyAntA, LegacyAntB),
		Checks: []Predicate{MimoCapabilitySupported},
	},
	MIMO2SGI: {
		ID: MIMO2SGI, Mode: ModeMIMO2, Ant: rate.AntAB, SGI: true,
		Next:   next(SISOAntASGI, MIMO2, LegacyAntA, LegacyAntB),
		Checks: []Predicate{MimoCapabilitySupported, ShortGuardIntervalSupported},
	},
}

// Get 返回列描述，id 无效时返回 nil
func Get(id ID) *Column {
	if !id.Valid() {
		return nil
	}
	return &columns[id]
}

// FromRate 速率所在的列。SISO+STBC/BFER 归入天线 A 列
func FromRate(r rate.Rate) ID {
	switch {
	case r.Mode.IsLegacy():
		switch r.Ant {
		case rate.AntA:
			return LegacyAntA
		case rate.AntB:
			return LegacyAntB
		}
	case r.Mode.IsSISO():
		if r.Ant == rate.AntA || r.STBC || r.BFER {
			if r.SGI {
				return SISOAntASGI
			}
			return SISOAntA
		}
		if r.Ant == rate.AntB {
			if r.SGI {
				return SISOAntBSGI
			}
			return SISOAntB
		}
	case r.Mode.IsMIMO2():
		if r.SGI {
			return MIMO2SGI
		}
		return MIMO2
	}
	return Invalid
}

// Allowed 依次评估列的全部门控谓词
func (c *Column) Allowed(env Env, r rate.Rate) bool {
	for _, p := range c.Checks {
		if !p.Allow(env, r, c) {
			return false
		}
	}
	return true
}

// Visited 访问过的列位图
type Visited uint8

// Has 是否已访问
func (v Visited) Has(id ID) bool {
	return id.Valid() && v&(1<<uint(id)) != 0
}

// With 标记 id 已访问
func (v Visited) With(id ID) Visited {
	if !id.Valid() {
		return v
	}
	return v | 1<<uint(id)
}
