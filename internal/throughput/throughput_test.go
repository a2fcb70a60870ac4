// =============================================================================
// 文件: internal/throughput/throughput_test.go
// =============================================================================
package throughput

import (
	"testing"

	"github.com/mrcgq/linkrate/internal/rate"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name     string
		mode     rate.Mode
		bw       rate.Bandwidth
		sgi, agg bool
		index    int
		want     int
	}{
		{"传统 54M", rate.ModeLegacyG, rate.BW20, false, false, rate.Index54M, 186},
		{"传统忽略带宽", rate.ModeLegacyA, rate.BW80, true, true, rate.Index6M, 40},
		{"SISO 20 NGI MCS0", rate.ModeHTSISO, rate.BW20, false, false, rate.IndexMCS0, 42},
		{"SISO 20 MCS9 不存在", rate.ModeVHTSISO, rate.BW20, false, false, rate.IndexMCS9, 0},
		{"SISO 80 SGI MCS9", rate.ModeVHTSISO, rate.BW80, true, false, rate.IndexMCS9, 312},
		{"MIMO2 40 AGG MCS7", rate.ModeHTMIMO2, rate.BW40, false, true, rate.IndexMCS7, 1640},
		{"MIMO2 160 AGG+SGI MCS9", rate.ModeVHTMIMO2, rate.BW160, true, true, rate.IndexMCS9, 11640},
		{"HE 使用 SISO 表", rate.ModeHESISO, rate.BW80, false, false, rate.IndexMCS4, 273},
		{"9M 位置为 0", rate.ModeHTSISO, rate.BW40, false, false, rate.Index9M, 0},
		{"无模式", rate.ModeNone, rate.BW20, false, false, rate.IndexMCS0, 0},
		{"越界索引", rate.ModeHTSISO, rate.BW20, false, false, rate.Count, 0},
		{"负索引", rate.ModeLegacyA, rate.BW20, false, false, rate.InvalidIndex, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Lookup(tt.mode, tt.bw, tt.sgi, tt.agg, tt.index)
			if got != tt.want {
				t.Errorf("Lookup() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTablesMonotonic(t *testing.T) {
	for bw := rate.BW20; bw <= rate.BW160; bw++ {
		for _, mode := range []rate.Mode{rate.ModeVHTSISO, rate.ModeVHTMIMO2} {
			for _, sgi := range []bool{false, true} {
				for _, agg := range []bool{false, true} {
					tbl := For(mode, bw, sgi, agg)
					prev := 0
					for i := rate.FirstVHT; i <= rate.LastVHT; i++ {
						if i == rate.Index9M || tbl.At(i) == 0 {
							continue
						}
						if tbl.At(i) <= prev {
							t.Errorf("%s %s sgi=%v agg=%v: index %d 不递增 (%d <= %d)",
								mode, bw, sgi, agg, i, tbl.At(i), prev)
						}
						prev = tbl.At(i)
					}
				}
			}
		}
	}
}

func TestNilTable(t *testing.T) {
	var tbl Table
	if tbl.At(rate.IndexMCS0) != 0 {
		t.Error("nil 表应返回 0")
	}
	if For(rate.ModeNone, rate.BW20, false, false) != nil {
		t.Error("无模式应返回 nil 表")
	}
}
