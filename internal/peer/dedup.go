// =============================================================================
// 文件: internal/peer/dedup.go
// 描述: 重复反馈过滤 - 分片布隆过滤器，按 (对端, TID, 序号) 去重
// =============================================================================
package peer

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 每个分片的预期条目与误报率
	dedupSliceItems    = 4096
	dedupFalsePositive = 0.0001

	// 分片数。序号 12 位回绕，保留若干分片即可覆盖一个回绕周期
	dedupSlices = 4
)

// DupStats 去重统计
type DupStats struct {
	TotalChecks uint64
	Duplicates  uint64
	Rotations   uint64
}

// DupFilter 抓包/回放源可能把同一反馈投递两次，按键去重。
// 分片写满后轮转，最老的分片被清空。
type DupFilter struct {
	slices     [dedupSlices]*dedupSlice
	current    int
	sliceItems int

	mu    sync.Mutex
	stats DupStats
}

type dedupSlice struct {
	bloom *bloom.BloomFilter
	count int
}

// NewDupFilter 创建过滤器，sliceItems<=0 时使用默认分片容量
func NewDupFilter(sliceItems int) *DupFilter {
	if sliceItems <= 0 {
		sliceItems = dedupSliceItems
	}
	f := &DupFilter{sliceItems: sliceItems}
	for i := range f.slices {
		f.slices[i] = newDedupSlice(sliceItems)
	}
	return f
}

func newDedupSlice(items int) *dedupSlice {
	return &dedupSlice{
		bloom: bloom.NewWithEstimates(uint(items), dedupFalsePositive),
	}
}

func dedupKey(peer string, tid uint8, seq uint16) []byte {
	key := make([]byte, 0, len(peer)+3)
	key = append(key, peer...)
	key = append(key, tid)
	key = binary.BigEndian.AppendUint16(key, seq)
	return key
}

// Seen 检查并标记。返回 true 表示此前见过 (重复)
func (f *DupFilter) Seen(peer string, tid uint8, seq uint16) bool {
	if f == nil {
		return false
	}
	key := dedupKey(peer, tid, seq)
	atomic.AddUint64(&f.stats.TotalChecks, 1)

	f.mu.Lock()
	defer f.mu.Unlock()

	for i := 0; i < dedupSlices; i++ {
		idx := (f.current - i + dedupSlices) % dedupSlices
		if f.slices[idx].bloom.Test(key) {
			atomic.AddUint64(&f.stats.Duplicates, 1)
			return true
		}
	}

	cur := f.slices[f.current]
	if cur.count >= f.sliceItems {
		f.rotate()
		cur = f.slices[f.current]
	}
	cur.bloom.Add(key)
	cur.count++
	return false
}

// Reset 清空全部记录 (布隆过滤器不支持按对端删除)
func (f *DupFilter) Reset() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.slices {
		f.slices[i] = newDedupSlice(f.sliceItems)
	}
	f.current = 0
}

// rotate 调用方持有锁
func (f *DupFilter) rotate() {
	f.current = (f.current + 1) % dedupSlices
	f.slices[f.current] = newDedupSlice(f.sliceItems)
	atomic.AddUint64(&f.stats.Rotations, 1)
}

// Stats 返回统计信息
func (f *DupFilter) Stats() DupStats {
	return DupStats{
		TotalChecks: atomic.LoadUint64(&f.stats.TotalChecks),
		Duplicates:  atomic.LoadUint64(&f.stats.Duplicates),
		Rotations:   atomic.LoadUint64(&f.stats.Rotations),
	}
}
