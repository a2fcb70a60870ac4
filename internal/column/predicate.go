// =============================================================================
// 文件: internal/column/predicate.go
// 描述: 列图 - 门控谓词 (封闭枚举，switch 分派)
// =============================================================================
package column

import "github.com/mrcgq/linkrate/internal/rate"

// Env 谓词求值所需的对端/硬件/共存信息
type Env interface {
	// AntennaAvailable 共存仲裁是否允许使用 ant
	AntennaAvailable(ant rate.Antenna) bool
	// HTSupported 对端支持 HT
	HTSupported() bool
	// MIMOSupported 对端 HT、硬件至少两根天线且共存允许 MIMO
	MIMOSupported() bool
	// SGISupported 对端在带宽 bw 下支持短保护间隔
	SGISupported(bw rate.Bandwidth) bool
}

// Predicate 列门控谓词
type Predicate uint8

const (
	AntennaAvailable Predicate = iota
	MimoCapabilitySupported
	StbcBtCoexAllowed
	ShortGuardIntervalSupported
)

// String 返回谓词名
func (p Predicate) String() string {
	switch p {
	case AntennaAvailable:
		return "antenna-available"
	case MimoCapabilitySupported:
		return "mimo-capability"
	case StbcBtCoexAllowed:
		return "siso-allowed"
	case ShortGuardIntervalSupported:
		return "sgi-supported"
	default:
		return "unknown"
	}
}

// Allow 在当前速率 r 下评估是否允许切到 col
func (p Predicate) Allow(env Env, r rate.Rate, col *Column) bool {
	switch p {
	case AntennaAvailable:
		return env.AntennaAvailable(col.Ant)
	case MimoCapabilitySupported:
		return env.MIMOSupported()
	case StbcBtCoexAllowed:
		return env.HTSupported()
	case ShortGuardIntervalSupported:
		return env.SGISupported(r.BW)
	}
	return false
}
