// =============================================================================
// 文件: internal/throughput/throughput.go
// 描述: 期望吞吐量模型 - 按 (模式类别, 带宽, SGI, 聚合) 选表
// =============================================================================
package throughput

import "github.com/mrcgq/linkrate/internal/rate"

// Table 某个配置下按速率索引的期望吞吐量视图，nil 表示无可用表
type Table []uint16

// At 返回 index 处的期望吞吐量，越界或 nil 表返回 0
func (t Table) At(index int) int {
	if index < 0 || index >= len(t) {
		return 0
	}
	return int(t[index])
}

// For 选择期望吞吐量表。HT/VHT/HE 共享 SISO/MIMO2 表。
func For(mode rate.Mode, bw rate.Bandwidth, sgi, agg bool) Table {
	if mode.IsLegacy() {
		return Table(legacy[:])
	}
	if bw > rate.BW160 {
		return nil
	}

	v := variantNGI
	switch {
	case sgi && agg:
		v = variantAggSGI
	case agg:
		v = variantAgg
	case sgi:
		v = variantSGI
	}

	switch {
	case mode.IsSISO():
		return Table(siso[bw][v][:])
	case mode.IsMIMO2():
		return Table(mimo2[bw][v][:])
	}
	return nil
}

// Lookup 单点查询
func Lookup(mode rate.Mode, bw rate.Bandwidth, sgi, agg bool, index int) int {
	return For(mode, bw, sgi, agg).At(index)
}
