// =============================================================================
// 文件: internal/column/column_test.go
// =============================================================================
package column

import (
	"testing"

	"github.com/mrcgq/linkrate/internal/rate"
)

type fakeEnv struct {
	ants rate.Antenna
	ht   bool
	mimo bool
	sgi  bool
}

func (e fakeEnv) AntennaAvailable(ant rate.Antenna) bool { return ant&e.ants == ant }
func (e fakeEnv) HTSupported() bool                       { return e.ht }
func (e fakeEnv) MIMOSupported() bool                     { return e.mimo }
func (e fakeEnv) SGISupported(rate.Bandwidth) bool        { return e.sgi }

func TestGraphShape(t *testing.T) {
	for id := ID(0); id < Count; id++ {
		c := Get(id)
		if c.ID != id {
			t.Errorf("%s: ID = %s", id, c.ID)
		}
		if len(c.Checks) == 0 || len(c.Checks) > 3 {
			t.Errorf("%s: 谓词数量 %d", id, len(c.Checks))
		}
		seen := map[ID]bool{}
		for _, n := range c.Next {
			if n == Invalid {
				continue
			}
			if n == id {
				t.Errorf("%s: 候选列包含自身", id)
			}
			if seen[n] {
				t.Errorf("%s: 候选列重复 %s", id, n)
			}
			seen[n] = true
		}
	}
	if Get(Invalid) != nil {
		t.Error("Get(Invalid) 应返回 nil")
	}
}

func TestFromRate(t *testing.T) {
	tests := []struct {
		name string
		r    rate.Rate
		want ID
	}{
		{"传统 A", rate.Rate{Mode: rate.ModeLegacyG, Ant: rate.AntA}, LegacyAntA},
		{"传统 B", rate.Rate{Mode: rate.ModeLegacyA, Ant: rate.AntB}, LegacyAntB},
		{"传统 AB 无效", rate.Rate{Mode: rate.ModeLegacyA, Ant: rate.AntAB}, Invalid},
		{"SISO B SGI", rate.Rate{Mode: rate.ModeVHTSISO, Ant: rate.AntB, SGI: true}, SISOAntBSGI},
		{"SISO STBC 归入 A", rate.Rate{Mode: rate.ModeHTSISO, Ant: rate.AntAB, STBC: true}, SISOAntA},
		{"MIMO2 SGI", rate.Rate{Mode: rate.ModeHTMIMO2, Ant: rate.AntAB, SGI: true}, MIMO2SGI},
		{"无模式", rate.Rate{}, Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FromRate(tt.r); got != tt.want {
				t.Errorf("FromRate() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	r := rate.Rate{Mode: rate.ModeHTSISO, Ant: rate.AntA, BW: rate.BW20}

	full := fakeEnv{ants: rate.AntAB, ht: true, mimo: true, sgi: true}
	for id := ID(0); id < Count; id++ {
		if !Get(id).Allowed(full, r) {
			t.Errorf("%s 应被允许", id)
		}
	}

	noHT := fakeEnv{ants: rate.AntAB}
	if Get(SISOAntA).Allowed(noHT, r) {
		t.Error("对端不支持 HT 时 SISO 列不应允许")
	}
	if !Get(LegacyAntB).Allowed(noHT, r) {
		t.Error("传统列只检查天线")
	}

	onlyA := fakeEnv{ants: rate.AntA, ht: true, sgi: true}
	if Get(SISOAntB).Allowed(onlyA, r) {
		t.Error("天线 B 不可用时 SISO_ANT_B 不应允许")
	}
	if Get(MIMO2).Allowed(onlyA, r) {
		t.Error("MIMO 不支持时 MIMO2 列不应允许")
	}

	noSGI := fakeEnv{ants: rate.AntAB, ht: true, mimo: true}
	if Get(SISOAntASGI).Allowed(noSGI, r) {
		t.Error("不支持 SGI 时 SGI 列不应允许")
	}
}

func TestVisited(t *testing.T) {
	var v Visited
	v = v.With(SISOAntA).With(MIMO2SGI)
	if !v.Has(SISOAntA) || !v.Has(MIMO2SGI) {
		t.Error("标记的列应为已访问")
	}
	if v.Has(LegacyAntA) {
		t.Error("未标记的列不应为已访问")
	}
	if v.With(Invalid) != v {
		t.Error("无效列不应改变位图")
	}
}
