// =============================================================================
// 文件: internal/capture/capture_test.go
// =============================================================================
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/peer"
	"github.com/mrcgq/linkrate/internal/rate"
)

var (
	stationMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	bssidMAC   = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xaa}
	broadcast  = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// dot11Data 构造 AP 发往 STA 的数据帧
func dot11Data(dst net.HardwareAddr, seq uint16, qos bool, tid uint8) []byte {
	fc := byte(0x08)
	if qos {
		fc = 0x88
	}
	b := []byte{fc, 0x02, 0x00, 0x00}
	b = append(b, dst...)
	b = append(b, bssidMAC...)
	b = append(b, bssidMAC...)
	b = binary.LittleEndian.AppendUint16(b, seq<<4)
	if qos {
		b = append(b, tid&0x0f, 0x00)
	}
	return append(b, []byte("payload")...)
}

func serialize(t *testing.T, rt *layers.RadioTap, frame []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, rt, gopacket.Payload(frame)); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func legacyTx(units uint8, freq uint16, retries uint8, fail bool) *layers.RadioTap {
	rt := &layers.RadioTap{
		Present: layers.RadioTapPresentRate | layers.RadioTapPresentChannel |
			layers.RadioTapPresentTxFlags | layers.RadioTapPresentDataRetries,
		Rate:             layers.RadioTapRate(units),
		ChannelFrequency: layers.RadioTapChannelFrequency(freq),
		DataRetries:      retries,
	}
	if fail {
		rt.TxFlags = layers.RadioTapTxFlagsFail
	}
	return rt
}

func vhtTx(nss, mcs, bw uint8, sgi bool) *layers.RadioTap {
	rt := &layers.RadioTap{
		Present: layers.RadioTapPresentChannel | layers.RadioTapPresentTxFlags |
			layers.RadioTapPresentVHT,
		ChannelFrequency: 5180,
	}
	rt.VHT.Known = layers.RadioTapVHTKnownGI | layers.RadioTapVHTKnownBandwidth
	rt.VHT.Bandwidth = bw
	rt.VHT.MCSNSS[0] = layers.RadioTapVHTMCSNSS(mcs<<4 | nss)
	if sgi {
		rt.VHT.Flags = layers.RadioTapVHTFlagsSGI
	}
	return rt
}

func TestDecodeFrame(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	t.Run("传统速率失败重试", func(t *testing.T) {
		data := serialize(t, legacyTx(72, 5180, 2, true), dot11Data(stationMAC, 7, false, 0))
		f, err := DecodeFrame(data, ts)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if f.Peer != stationMAC.String() {
			t.Errorf("Peer = %s, want %s", f.Peer, stationMAC)
		}
		if f.Band != rate.Band5GHz {
			t.Errorf("Band = %s, want 5GHz", f.Band)
		}
		if f.Report.Attempted != 3 || f.Report.Acked != 0 {
			t.Errorf("Attempted/Acked = %d/%d, want 3/0", f.Report.Attempted, f.Report.Acked)
		}
		if f.Report.Seq != 7 {
			t.Errorf("Seq = %d, want 7", f.Report.Seq)
		}
		want := rate.MustEncode(rate.Rate{Mode: rate.ModeLegacyA, Index: rate.Index36M, Ant: rate.AntA})
		if f.Report.RateCode != want {
			t.Errorf("RateCode = 0x%x, want 0x%x", f.Report.RateCode, want)
		}
	})

	t.Run("VHT 双流 80MHz", func(t *testing.T) {
		data := serialize(t, vhtTx(2, 9, 4, true), dot11Data(stationMAC, 1, true, 5))
		f, err := DecodeFrame(data, ts)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if f.Report.RateCode != 0x4400F019 {
			t.Errorf("RateCode = 0x%x, want 0x4400F019", f.Report.RateCode)
		}
		if f.Report.TID != 5 {
			t.Errorf("TID = %d, want 5", f.Report.TID)
		}
		if f.Report.Acked != 1 {
			t.Errorf("Acked = %d, want 1", f.Report.Acked)
		}
	})

	t.Run("2.4GHz CCK", func(t *testing.T) {
		data := serialize(t, legacyTx(2, 2412, 0, false), dot11Data(stationMAC, 2, false, 0))
		f, err := DecodeFrame(data, ts)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if f.Band != rate.Band2GHz || f.Rate.Index != rate.Index1M {
			t.Errorf("Band/Index = %s/%d, want 2.4GHz/%d", f.Band, f.Rate.Index, rate.Index1M)
		}
	})

	tests := []struct {
		name string
		data func() []byte
		want error
	}{
		{"无发送标志", func() []byte {
			rt := legacyTx(12, 5180, 0, false)
			rt.Present &^= layers.RadioTapPresentTxFlags
			return serialize(t, rt, dot11Data(stationMAC, 1, false, 0))
		}, ErrNotTxStatus},
		{"广播帧", func() []byte {
			return serialize(t, legacyTx(12, 5180, 0, false), dot11Data(broadcast, 1, false, 0))
		}, ErrNotTxStatus},
		{"5GHz 上的 CCK", func() []byte {
			return serialize(t, legacyTx(2, 5180, 0, false), dot11Data(stationMAC, 1, false, 0))
		}, ErrNoRate},
		{"VHT 三流", func() []byte {
			return serialize(t, vhtTx(3, 1, 0, false), dot11Data(stationMAC, 1, false, 0))
		}, ErrNoRate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.data(), ts)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

type capFrame struct {
	at   time.Duration
	data []byte
}

func writePcap(t *testing.T, frames []capFrame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	if err := w.WriteFileHeader(65536, layers.LinkTypeIEEE80211Radio); err != nil {
		t.Fatal(err)
	}
	base := time.Unix(1700000000, 0)
	for _, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     base.Add(f.at),
			CaptureLength: len(f.data),
			Length:        len(f.data),
		}
		if err := w.WritePacket(ci, f.data); err != nil {
			t.Fatal(err)
		}
	}
	return &buf
}

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(string, engine.LinkQualityCommand) {}
func (nopDispatcher) StartAggregation(engine.AggregationStartRequest) {}

func newTable() *peer.Table {
	eng := engine.New(engine.DefaultParams(), engine.NewStaticOracle(rate.AntAB), nopDispatcher{})
	return peer.NewTable(eng, peer.WithDupFilter(peer.NewDupFilter(0)))
}

func TestReader(t *testing.T) {
	t.Run("非 radiotap 链路类型", func(t *testing.T) {
		var buf bytes.Buffer
		w := pcapgo.NewWriter(&buf)
		w.WriteFileHeader(65536, layers.LinkTypeEthernet)
		if _, err := NewReader(&buf); !errors.Is(err, ErrLinkType) {
			t.Errorf("err = %v, want ErrLinkType", err)
		}
	})

	t.Run("跳过非发送帧", func(t *testing.T) {
		noTx := legacyTx(12, 5180, 0, false)
		noTx.Present &^= layers.RadioTapPresentTxFlags
		buf := writePcap(t, []capFrame{
			{0, serialize(t, legacyTx(12, 5180, 0, false), dot11Data(stationMAC, 1, false, 0))},
			{time.Millisecond, serialize(t, noTx, dot11Data(stationMAC, 2, false, 0))},
			{2 * time.Millisecond, serialize(t, legacyTx(24, 5180, 0, false), dot11Data(stationMAC, 3, false, 0))},
		})
		r, err := NewReader(buf)
		if err != nil {
			t.Fatal(err)
		}
		var n int
		for {
			_, err := r.Next()
			if err != nil {
				break
			}
			n++
		}
		if n != 2 || r.Skipped() != 1 {
			t.Errorf("frames/skipped = %d/%d, want 2/1", n, r.Skipped())
		}
	})
}

func TestReplay(t *testing.T) {
	other := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	var frames []capFrame
	for i := 0; i < 10; i++ {
		frames = append(frames, capFrame{
			at:   time.Duration(i) * time.Millisecond,
			data: serialize(t, legacyTx(12, 5180, 0, false), dot11Data(stationMAC, uint16(i), false, 0)),
		})
	}
	// 重复的序号由去重过滤
	frames = append(frames, frames[3])
	frames = append(frames, capFrame{
		at:   20 * time.Millisecond,
		data: serialize(t, legacyTx(12, 5180, 0, false), dot11Data(other, 1, false, 0)),
	})

	t.Run("全部对端", func(t *testing.T) {
		tbl := newTable()
		r, err := NewReader(writePcap(t, frames))
		if err != nil {
			t.Fatal(err)
		}
		rp := NewReplayer(tbl, WithSpeed(0))
		stats, err := rp.Replay(context.Background(), r)
		if err != nil {
			t.Fatalf("Replay: %v", err)
		}
		if stats.Frames != 12 {
			t.Errorf("Frames = %d, want 12", stats.Frames)
		}
		if tbl.Len() != 2 {
			t.Errorf("tbl.Len() = %d, want 2", tbl.Len())
		}
		s, ok := tbl.Get(stationMAC.String())
		if !ok {
			t.Fatal("对端未关联")
		}
		if !s.Caps.VHT || s.Caps.Width != rate.BW80 {
			t.Errorf("caps = %+v, want 5GHz 默认能力", s.Caps)
		}
	})

	t.Run("指定对端", func(t *testing.T) {
		tbl := newTable()
		path := filepath.Join(t.TempDir(), "tx.pcap")
		if err := os.WriteFile(path, writePcap(t, frames).Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}
		rp := NewReplayer(tbl, WithSpeed(0), WithPeer("02:00:00:00:00:02"))
		stats, err := rp.ReplayFile(context.Background(), path)
		if err != nil {
			t.Fatalf("ReplayFile: %v", err)
		}
		if stats.Filtered != 11 || stats.Fed != 1 {
			t.Errorf("Filtered/Fed = %d/%d, want 11/1", stats.Filtered, stats.Fed)
		}
		if _, ok := tbl.Get(stationMAC.String()); ok {
			t.Error("被过滤的对端不应关联")
		}
	})

	t.Run("按时间间隔等待", func(t *testing.T) {
		tbl := newTable()
		r, _ := NewReader(writePcap(t, frames))
		rp := NewReplayer(tbl, WithSpeed(1))
		start := time.Now()
		if _, err := rp.Replay(context.Background(), r); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
			t.Errorf("elapsed = %v, want >= 15ms", elapsed)
		}
	})

	t.Run("ctx 取消", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r, _ := NewReader(writePcap(t, frames))
		_, err := NewReplayer(newTable()).Replay(ctx, r)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}
