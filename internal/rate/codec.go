// =============================================================================
// 文件: internal/rate/codec.go
// 描述: 速率目录 - 硬件速率字编解码 (只有边界函数了解位布局)
// =============================================================================
package rate

import (
	"errors"
	"fmt"
	"strings"
)

// 硬件速率字位布局
const (
	legacyRateMask = 0xff

	htMCSCodeMask = 0x7
	htNSSPos      = 3
	htNSSMask     = 0x3 << htNSSPos

	vhtMCSCodeMask = 0xf
	vhtNSSPos      = 4
	vhtNSSMask     = 0x3 << vhtNSSPos

	FlagHT  uint32 = 1 << 8
	FlagCCK uint32 = 1 << 9

	chanWidthPos         = 11
	chanWidthMask uint32 = 0x3 << chanWidthPos

	FlagSGI uint32 = 1 << 13

	antPos         = 14
	antMask uint32 = 0x7 << antPos

	FlagSTBC uint32 = 1 << 17
	FlagBF   uint32 = 1 << 19
	FlagVHT  uint32 = 1 << 26
	FlagLDPC uint32 = 1 << 27
	FlagRTS  uint32 = 1 << 30

	// HE 使用 HT 与 VHT 两个标志位同时置位
	flagHE = FlagHT | FlagVHT
)

// ErrUnrecognizedRate 硬件速率字无法映射到目录
var ErrUnrecognizedRate = errors.New("unrecognized rate")

// Encode 将速率编码为硬件速率字。
// HT/VHT/HE 索引越界时收敛到最近的合法边界，clamped 返回 true 由调用方记录日志。
func Encode(r Rate) (code uint32, clamped bool) {
	index := r.Index
	code |= (uint32(r.Ant) << antPos) & antMask

	if r.Mode.IsLegacy() || r.Mode == ModeNone {
		if index < 0 {
			index, clamped = 0, true
		} else if index > Index54M {
			index, clamped = Index54M, true
		}
		code |= uint32(Catalog[index].PLCP)
		if index >= FirstCCK && index <= LastCCK {
			code |= FlagCCK
		}
		return code, clamped
	}

	// 非传统速率一律要求 RTS 保护
	code |= FlagRTS

	switch {
	case r.Mode.IsHT():
		index, clamped = clampIndex(index, FirstHT, LastHT)
		code |= FlagHT
		mcs := uint32(Catalog[index].MCS)
		if r.Mode == ModeHTMIMO2 {
			mcs |= 1 << htNSSPos
		}
		code |= mcs
	case r.Mode.IsVHT(), r.Mode.IsHE():
		index, clamped = clampIndex(index, FirstVHT, LastVHT)
		if r.Mode.IsVHT() {
			code |= FlagVHT
		} else {
			code |= flagHE
		}
		mcs := uint32(Catalog[index].MCS)
		if r.Mode.IsMIMO2() {
			mcs |= 1 << vhtNSSPos
		}
		code |= mcs
	}

	if r.Mode.IsSISO() && r.STBC {
		code |= uint32(AntAB) << antPos
		code |= FlagSTBC
	}

	code |= (uint32(r.BW) << chanWidthPos) & chanWidthMask
	if r.SGI {
		code |= FlagSGI
	}
	if r.LDPC {
		code |= FlagLDPC
	}
	if r.BFER {
		code |= FlagBF
	}
	return code, clamped
}

// clampIndex 9M 不是 MCS 速率，向下收敛到 MCS0
func clampIndex(index, first, last int) (int, bool) {
	switch {
	case index < first:
		return first, true
	case index > last:
		return last, true
	case index == Index9M:
		return IndexMCS0, true
	}
	return index, false
}

// MustEncode 编码并忽略收敛标志
func MustEncode(r Rate) uint32 {
	code, _ := Encode(r)
	return code
}

// Decode 将硬件速率字解码为速率；无法识别时返回 ErrUnrecognizedRate
func Decode(code uint32, band Band) (Rate, error) {
	var r Rate
	r.Ant = Antenna((code & antMask) >> antPos)
	nonLegacy := code&(FlagHT|FlagVHT) != 0

	if !nonLegacy {
		plcp := uint8(code & legacyRateMask)
		for i := 0; i <= Index54M; i++ {
			if Catalog[i].PLCP == plcp {
				r.Index = i
				if r.Ant.Count() == 1 {
					r.Mode = band.LegacyMode()
				}
				return r, nil
			}
		}
		return Rate{}, fmt.Errorf("%w: 0x%x", ErrUnrecognizedRate, code)
	}

	r.SGI = code&FlagSGI != 0
	r.LDPC = code&FlagLDPC != 0
	r.STBC = code&FlagSTBC != 0
	r.BFER = code&FlagBF != 0
	r.BW = Bandwidth((code & chanWidthMask) >> chanWidthPos)

	var mcs, nss int
	switch {
	case code&flagHE == flagHE, code&FlagVHT != 0:
		mcs = int(code & vhtMCSCodeMask)
		nss = int((code&vhtNSSMask)>>vhtNSSPos) + 1
	default:
		mcs = int(code & htMCSCodeMask)
		nss = int((code&htNSSMask)>>htNSSPos) + 1
	}

	r.Index = IndexFromMCS(mcs)
	if r.Index == InvalidIndex || nss > 2 {
		return Rate{}, fmt.Errorf("%w: 0x%x", ErrUnrecognizedRate, code)
	}

	switch {
	case code&flagHE == flagHE:
		r.Mode = pick(nss, ModeHESISO, ModeHEMIMO2)
	case code&FlagVHT != 0:
		r.Mode = pick(nss, ModeVHTSISO, ModeVHTMIMO2)
	default:
		if r.Index > LastHT {
			return Rate{}, fmt.Errorf("%w: 0x%x", ErrUnrecognizedRate, code)
		}
		r.Mode = pick(nss, ModeHTSISO, ModeHTMIMO2)
	}
	return r, nil
}

func pick(nss int, siso, mimo Mode) Mode {
	if nss == 2 {
		return mimo
	}
	return siso
}

// Pretty 可读格式，用于日志
func Pretty(code uint32) string {
	ant := Antenna((code & antMask) >> antPos)
	if code&(FlagHT|FlagVHT) == 0 {
		mbps := "BAD"
		plcp := uint8(code & legacyRateMask)
		for i := 0; i <= Index54M; i++ {
			if Catalog[i].PLCP == plcp {
				mbps = Catalog[i].Mbps
				break
			}
		}
		return fmt.Sprintf("Legacy | ANT: %s Rate: %s Mbps", ant, mbps)
	}

	var typ string
	var mcs, nss uint32
	switch {
	case code&flagHE == flagHE:
		typ = "HE"
		mcs = code & vhtMCSCodeMask
		nss = (code&vhtNSSMask)>>vhtNSSPos + 1
	case code&FlagVHT != 0:
		typ = "VHT"
		mcs = code & vhtMCSCodeMask
		nss = (code&vhtNSSMask)>>vhtNSSPos + 1
	default:
		typ = "HT"
		mcs = code & htMCSCodeMask
		nss = (code&htNSSMask)>>htNSSPos + 1
	}

	var b strings.Builder
	fmt.Fprintf(&b, "0x%x: %s | ANT: %s BW: %s MCS: %d NSS: %d ",
		code, typ, ant, Bandwidth((code&chanWidthMask)>>chanWidthPos), mcs, nss)
	if code&FlagSGI != 0 {
		b.WriteString("SGI")
	} else {
		b.WriteString("NGI")
	}
	if code&FlagSTBC != 0 {
		b.WriteString(" STBC")
	}
	if code&FlagLDPC != 0 {
		b.WriteString(" LDPC")
	}
	if code&FlagBF != 0 {
		b.WriteString(" BF")
	}
	return b.String()
}
