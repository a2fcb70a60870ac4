// =============================================================================
// 文件: internal/capture/radiotap.go
// 描述: 抓包回放 - radiotap 发送状态帧解析为发送反馈
// =============================================================================
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/rate"
)

var (
	// ErrNotTxStatus 不是发送状态帧 (没有 TX flags 或不是数据帧)
	ErrNotTxStatus = errors.New("not a tx status frame")
	// ErrNoRate 无法确定发送速率
	ErrNoRate = errors.New("no usable rate in radiotap header")
)

// Frame 一条发送反馈
type Frame struct {
	Time   time.Time
	Peer   string
	Band   rate.Band
	Rate   rate.Rate
	Report engine.TxStatusReport
}

// DecodeFrame 解析一帧 radiotap + 802.11 数据。
// 报告中的 Color 为 0，由回放方按链路当前值补齐。
func DecodeFrame(data []byte, ts time.Time) (Frame, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeRadioTap, gopacket.NoCopy)

	rtLayer := pkt.Layer(layers.LayerTypeRadioTap)
	if rtLayer == nil {
		if errLayer := pkt.ErrorLayer(); errLayer != nil {
			return Frame{}, fmt.Errorf("解析 radiotap 失败: %w", errLayer.Error())
		}
		return Frame{}, ErrNotTxStatus
	}
	rt := rtLayer.(*layers.RadioTap)
	if !rt.Present.TxFlags() {
		return Frame{}, ErrNotTxStatus
	}

	dotLayer := pkt.Layer(layers.LayerTypeDot11)
	if dotLayer == nil {
		return Frame{}, ErrNotTxStatus
	}
	dot := dotLayer.(*layers.Dot11)
	if dot.Type.MainType() != layers.Dot11TypeData || len(dot.Address1) == 0 {
		return Frame{}, ErrNotTxStatus
	}
	// 组播/广播不参与速率调整
	if dot.Address1[0]&0x01 != 0 {
		return Frame{}, ErrNotTxStatus
	}

	band := bandOf(rt)
	r, err := rateOf(rt, band)
	if err != nil {
		return Frame{}, err
	}
	code, _ := rate.Encode(r)

	rep := engine.TxStatusReport{
		TID:       qosTID(dot, rt.LayerPayload()),
		Attempted: 1,
		Acked:     1,
		RateCode:  code,
		Seq:       dot.SequenceNumber,
	}
	if rt.Present.DataRetries() {
		rep.Attempted += int(rt.DataRetries)
	}
	if rt.TxFlags.Fail() {
		rep.Acked = 0
	}
	if rt.Present.DBMAntennaSignal() && rt.DBMAntennaSignal != 0 {
		rep.ChainRSSI = []int8{rt.DBMAntennaSignal}
	}

	return Frame{
		Time:   ts,
		Peer:   dot.Address1.String(),
		Band:   band,
		Rate:   r,
		Report: rep,
	}, nil
}

// bandOf 按信道频率判断频段，缺省 5GHz
func bandOf(rt *layers.RadioTap) rate.Band {
	if rt.Present.Channel() {
		if rt.ChannelFrequency < 3000 {
			return rate.Band2GHz
		}
		return rate.Band5GHz
	}
	return rate.Band5GHz
}

func antennaOf(rt *layers.RadioTap) rate.Antenna {
	if rt.Present.Antenna() && rt.Antenna == 1 {
		return rate.AntB
	}
	return rate.AntA
}

// rateOf radiotap 速率字段转抽象速率，优先 VHT，其次 HT，最后传统速率
func rateOf(rt *layers.RadioTap, band rate.Band) (rate.Rate, error) {
	switch {
	case rt.Present.VHT():
		mn := rt.VHT.MCSNSS[0]
		nss := int(mn & 0x0f)
		mcs := int(mn >> 4)
		if nss < 1 || nss > 2 {
			return rate.Rate{}, fmt.Errorf("VHT nss=%d: %w", nss, ErrNoRate)
		}
		r := rate.Rate{
			Mode:  rate.ModeVHTSISO,
			Index: rate.IndexFromMCS(mcs),
			Ant:   antennaOf(rt),
			BW:    vhtBandwidth(rt.VHT.Bandwidth),
			SGI:   rt.VHT.Flags.SGI(),
			LDPC:  rt.VHT.Coding&0x01 != 0,
			STBC:  rt.VHT.Flags.STBC(),
			BFER:  rt.VHT.Flags.Beamformed(),
		}
		if nss == 2 {
			r.Mode = rate.ModeVHTMIMO2
			r.Ant = rate.AntAB
			r.STBC = false
			r.BFER = false
		}
		if r.STBC {
			r.Ant = rate.AntAB
		}
		return checked(r)

	case rt.Present.MCS():
		mcs := int(rt.MCS.MCS)
		if mcs > 15 {
			return rate.Rate{}, fmt.Errorf("HT mcs=%d: %w", mcs, ErrNoRate)
		}
		r := rate.Rate{
			Mode:  rate.ModeHTSISO,
			Index: rate.IndexFromMCS(mcs % 8),
			Ant:   antennaOf(rt),
			SGI:   rt.MCS.Flags.ShortGI(),
			LDPC:  rt.MCS.Flags.FECLDPC(),
			STBC:  rt.MCS.Flags.STBC() > 0,
		}
		if rt.MCS.Flags.Bandwidth() == 1 {
			r.BW = rate.BW40
		}
		if mcs >= 8 {
			r.Mode = rate.ModeHTMIMO2
			r.Ant = rate.AntAB
			r.STBC = false
		}
		if r.STBC {
			r.Ant = rate.AntAB
		}
		return checked(r)

	case rt.Present.Rate():
		for i := 0; i <= rate.Index54M; i++ {
			if rate.LegacyUnits(i) != uint8(rt.Rate) {
				continue
			}
			if band == rate.Band5GHz && i <= rate.LastCCK {
				return rate.Rate{}, fmt.Errorf("5GHz 上的 CCK 速率: %w", ErrNoRate)
			}
			return checked(rate.Rate{Mode: band.LegacyMode(), Index: i, Ant: antennaOf(rt)})
		}
		return rate.Rate{}, fmt.Errorf("传统速率 %d (500kbps): %w", rt.Rate, ErrNoRate)
	}
	return rate.Rate{}, ErrNoRate
}

func checked(r rate.Rate) (rate.Rate, error) {
	if !r.Valid() {
		return rate.Rate{}, fmt.Errorf("%s: %w", r, ErrNoRate)
	}
	return r, nil
}

// vhtBandwidth radiotap VHT 带宽编码 (含子信道编码)
func vhtBandwidth(bw uint8) rate.Bandwidth {
	switch {
	case bw == 0:
		return rate.BW20
	case bw <= 3:
		return rate.BW40
	case bw <= 10:
		return rate.BW80
	default:
		return rate.BW160
	}
}

// qosTID QoS 数据帧的 TID，其它数据帧为 0
func qosTID(dot *layers.Dot11, frame []byte) uint8 {
	if dot.Type != layers.Dot11TypeDataQOSData {
		return 0
	}
	hdr := 24
	if dot.Flags.ToDS() && dot.Flags.FromDS() {
		hdr += 6
	}
	if len(frame) < hdr+2 {
		return 0
	}
	return frame[hdr] & 0x0f
}
