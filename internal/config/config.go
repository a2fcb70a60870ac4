// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 引擎阈值、监控/命令推送/日志库/回放/仿真配置，端口冲突检测
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/rate"
)

// Config 主配置
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Band      string `yaml:"band"`

	Engine  EngineConfig  `yaml:"engine"`
	Metrics MetricsConfig `yaml:"metrics"`
	Feed    FeedConfig    `yaml:"feed"`
	Journal JournalConfig `yaml:"journal"`
	Replay  ReplayConfig  `yaml:"replay"`
	Sim     SimConfig     `yaml:"sim"`
}

// LimitsConfig 停留阶段退出阈值
type LimitsConfig struct {
	FailureLimit int `yaml:"failure_limit"`
	SuccessLimit int `yaml:"success_limit"`
	TableCount   int `yaml:"table_count"`
}

// EngineConfig 速率自适应引擎参数
type EngineConfig struct {
	SRForceDecrease    int `yaml:"sr_force_decrease"`
	SRNoDecrease       int `yaml:"sr_no_decrease"`
	TPCSRForceIncrease int `yaml:"tpc_sr_force_increase"`
	TPCSRNoIncrease    int `yaml:"tpc_sr_no_increase"`
	MinFailureTh       int `yaml:"min_failure_th"`
	MinSuccessTh       int `yaml:"min_success_th"`

	Legacy    LimitsConfig `yaml:"legacy"`
	NonLegacy LimitsConfig `yaml:"non_legacy"`

	StayInColumnTimeoutMs int `yaml:"stay_in_column_timeout_ms"`
	IdleTimeoutMs         int `yaml:"idle_timeout_ms"`
	MissedRateMax         int `yaml:"missed_rate_max"`

	AggStartThreshold  int `yaml:"agg_start_threshold"`
	AggMeasureWindowMs int `yaml:"agg_measure_window_ms"`
	AggTimeLimit       int `yaml:"agg_time_limit"`

	FarRangeTweak     bool `yaml:"far_range_tweak"`
	RSSIBasedInitRate bool `yaml:"rssi_based_init_rate"`
	TPCEnabled        bool `yaml:"tpc_enabled"`
	LDPCSupported     bool `yaml:"ldpc_supported"`
	Beamformer        bool `yaml:"beamformer"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// FeedConfig WebSocket 命令推送配置
type FeedConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Path           string `yaml:"path"`
	QueueSize      int    `yaml:"queue_size"`
	WriteTimeoutMs int    `yaml:"write_timeout_ms"`
}

// JournalConfig 统计日志库配置
type JournalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Path            string `yaml:"path"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
	MaxRetries      int    `yaml:"max_retries"`
}

// ReplayConfig 抓包回放配置
type ReplayConfig struct {
	PCAP  string  `yaml:"pcap"`
	Peer  string  `yaml:"peer"`
	Speed float64 `yaml:"speed"`
}

// SimPeerConfig 仿真对端
type SimPeerConfig struct {
	Name          string  `yaml:"name"`
	Band          string  `yaml:"band"`
	Width         int     `yaml:"width"` // MHz
	VHT           bool    `yaml:"vht"`
	NSS           int     `yaml:"nss"`
	SNRdB         float64 `yaml:"snr_db"`
	SNRDriftdB    float64 `yaml:"snr_drift_db"`
	FramesPerTick int     `yaml:"frames_per_tick"`
}

// SimConfig 信道仿真配置
type SimConfig struct {
	Peers     []SimPeerConfig `yaml:"peers"`
	TickMs    int             `yaml:"tick_ms"`
	DurationS int             `yaml:"duration_s"`
	Seed      int64           `yaml:"seed"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.syncRelatedConfig()

	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	p := engine.DefaultParams()
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Band:      "5",

		Engine: EngineConfig{
			SRForceDecrease:    p.SRForceDecrease,
			SRNoDecrease:       p.SRNoDecrease,
			TPCSRForceIncrease: p.TPCSRForceIncrease,
			TPCSRNoIncrease:    p.TPCSRNoIncrease,
			MinFailureTh:       p.MinFailure,
			MinSuccessTh:       p.MinSuccess,
			Legacy: LimitsConfig{
				FailureLimit: p.Legacy.FailureLimit,
				SuccessLimit: p.Legacy.SuccessLimit,
				TableCount:   p.Legacy.TableCount,
			},
			NonLegacy: LimitsConfig{
				FailureLimit: p.NonLegacy.FailureLimit,
				SuccessLimit: p.NonLegacy.SuccessLimit,
				TableCount:   p.NonLegacy.TableCount,
			},
			StayInColumnTimeoutMs: int(p.StayInColumnTimeout / time.Millisecond),
			IdleTimeoutMs:         int(p.IdleTimeout / time.Millisecond),
			MissedRateMax:         p.MissedRateMax,
			AggStartThreshold:     p.AggStartThreshold,
			AggMeasureWindowMs:    int(p.AggMeasureWindow / time.Millisecond),
			AggTimeLimit:          int(p.AggTimeLimit),
			FarRangeTweak:         p.FarRangeTweak,
			RSSIBasedInitRate:     p.RSSIBasedInitRate,
			TPCEnabled:            p.TPCEnabled,
			LDPCSupported:         p.LDPCSupported,
			Beamformer:            p.Beamformer,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Feed: FeedConfig{
			Enabled:        false,
			Listen:         ":9200",
			Path:           "/feed",
			QueueSize:      256,
			WriteTimeoutMs: 1000,
		},

		Journal: JournalConfig{
			Enabled:         false,
			Path:            "linkrate.db",
			FlushIntervalMs: 10000,
			MaxRetries:      3,
		},

		Replay: ReplayConfig{
			Speed: 1,
		},

		Sim: SimConfig{
			TickMs:    10,
			DurationS: 0,
			Seed:      1,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "error", "info", "debug":
	default:
		return fmt.Errorf("无效的 log_level: %s (支持: error, info, debug)", c.LogLevel)
	}

	switch c.LogFormat {
	case "console", "json":
	case "":
		c.LogFormat = "console"
	default:
		return fmt.Errorf("无效的 log_format: %s (支持: console, json)", c.LogFormat)
	}

	if _, err := ParseBand(c.Band); err != nil {
		return fmt.Errorf("band 配置错误: %w", err)
	}

	if err := c.validateEngineConfig(); err != nil {
		return fmt.Errorf("引擎配置错误: %w", err)
	}

	// 端口冲突检测
	ports := map[int]string{}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		ports[metricsPort] = "metrics"
	}

	if c.Feed.Enabled {
		feedPort, err := parsePort(c.Feed.Listen)
		if err != nil {
			return fmt.Errorf("feed.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[feedPort]; exists {
			return fmt.Errorf("feed.listen 端口 (%d) 与 %s 冲突", feedPort, existing)
		}
		ports[feedPort] = "feed"

		if err := c.validateFeedConfig(); err != nil {
			return fmt.Errorf("命令推送配置错误: %w", err)
		}
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if c.Metrics.HealthPath != "" && c.Metrics.HealthPath == c.Metrics.Path {
			return fmt.Errorf("metrics.health_path 不能与 metrics.path 相同")
		}
	}

	if c.Journal.Enabled {
		if c.Journal.Path == "" {
			return fmt.Errorf("journal.path 不能为空")
		}
		if c.Journal.FlushIntervalMs < 100 || c.Journal.FlushIntervalMs > 3600000 {
			return fmt.Errorf("journal.flush_interval_ms 需在 100-3600000 之间")
		}
		if c.Journal.MaxRetries < 0 || c.Journal.MaxRetries > 20 {
			return fmt.Errorf("journal.max_retries 需在 0-20 之间")
		}
	}

	if c.Replay.PCAP != "" {
		if c.Replay.Speed < 0 {
			return fmt.Errorf("replay.speed 不能为负数")
		}
		if c.Replay.Peer != "" {
			if _, err := net.ParseMAC(c.Replay.Peer); err != nil {
				return fmt.Errorf("replay.peer 不是有效的 MAC 地址: %w", err)
			}
		}
	}

	if err := c.validateSimConfig(); err != nil {
		return fmt.Errorf("仿真配置错误: %w", err)
	}

	return nil
}

// validateEngineConfig 验证引擎阈值
func (c *Config) validateEngineConfig() error {
	e := &c.Engine

	percents := []struct {
		name  string
		value int
	}{
		{"sr_force_decrease", e.SRForceDecrease},
		{"sr_no_decrease", e.SRNoDecrease},
		{"tpc_sr_force_increase", e.TPCSRForceIncrease},
		{"tpc_sr_no_increase", e.TPCSRNoIncrease},
	}
	for _, p := range percents {
		if p.value < 0 || p.value > 100 {
			return fmt.Errorf("%s 需在 0-100 之间", p.name)
		}
	}
	if e.SRForceDecrease >= e.SRNoDecrease {
		return fmt.Errorf("sr_force_decrease (%d) 必须小于 sr_no_decrease (%d)",
			e.SRForceDecrease, e.SRNoDecrease)
	}
	if e.TPCSRForceIncrease > e.TPCSRNoIncrease {
		return fmt.Errorf("tpc_sr_force_increase (%d) 不能大于 tpc_sr_no_increase (%d)",
			e.TPCSRForceIncrease, e.TPCSRNoIncrease)
	}

	if e.MinFailureTh < 1 || e.MinFailureTh > 62 {
		return fmt.Errorf("min_failure_th 需在 1-62 之间")
	}
	if e.MinSuccessTh < 1 || e.MinSuccessTh > 62 {
		return fmt.Errorf("min_success_th 需在 1-62 之间")
	}

	if err := validateLimits("legacy", e.Legacy); err != nil {
		return err
	}
	if err := validateLimits("non_legacy", e.NonLegacy); err != nil {
		return err
	}

	if e.StayInColumnTimeoutMs < 100 || e.StayInColumnTimeoutMs > 600000 {
		return fmt.Errorf("stay_in_column_timeout_ms 需在 100-600000 之间")
	}
	if e.IdleTimeoutMs < 100 || e.IdleTimeoutMs > 600000 {
		return fmt.Errorf("idle_timeout_ms 需在 100-600000 之间")
	}
	if e.MissedRateMax < 1 || e.MissedRateMax > 255 {
		return fmt.Errorf("missed_rate_max 需在 1-255 之间")
	}
	if e.AggStartThreshold < 1 {
		return fmt.Errorf("agg_start_threshold 必须大于 0")
	}
	if e.AggMeasureWindowMs < 10 || e.AggMeasureWindowMs > 60000 {
		return fmt.Errorf("agg_measure_window_ms 需在 10-60000 之间")
	}
	if e.AggTimeLimit < 0 || e.AggTimeLimit > 65535 {
		return fmt.Errorf("agg_time_limit 需在 0-65535 之间")
	}

	return nil
}

func validateLimits(name string, l LimitsConfig) error {
	if l.FailureLimit < 1 {
		return fmt.Errorf("%s.failure_limit 必须大于 0", name)
	}
	if l.SuccessLimit < 1 {
		return fmt.Errorf("%s.success_limit 必须大于 0", name)
	}
	if l.TableCount < 1 {
		return fmt.Errorf("%s.table_count 必须大于 0", name)
	}
	return nil
}

// validateFeedConfig 验证命令推送配置
func (c *Config) validateFeedConfig() error {
	if c.Feed.Path == "" {
		c.Feed.Path = "/feed"
	}
	if !strings.HasPrefix(c.Feed.Path, "/") {
		return fmt.Errorf("feed.path 必须以 / 开头")
	}
	if c.Feed.QueueSize < 1 || c.Feed.QueueSize > 65536 {
		return fmt.Errorf("feed.queue_size 需在 1-65536 之间")
	}
	if c.Feed.WriteTimeoutMs < 10 || c.Feed.WriteTimeoutMs > 60000 {
		return fmt.Errorf("feed.write_timeout_ms 需在 10-60000 之间")
	}
	return nil
}

// validateSimConfig 验证仿真对端
func (c *Config) validateSimConfig() error {
	if len(c.Sim.Peers) == 0 {
		return nil
	}
	if c.Sim.TickMs < 1 || c.Sim.TickMs > 10000 {
		return fmt.Errorf("sim.tick_ms 需在 1-10000 之间")
	}
	if c.Sim.DurationS < 0 {
		return fmt.Errorf("sim.duration_s 不能为负数")
	}

	names := make(map[string]bool, len(c.Sim.Peers))
	for i := range c.Sim.Peers {
		p := &c.Sim.Peers[i]
		if p.Name == "" {
			return fmt.Errorf("sim.peers[%d].name 不能为空", i)
		}
		if names[p.Name] {
			return fmt.Errorf("sim.peers 名称重复: %s", p.Name)
		}
		names[p.Name] = true

		if p.Band != "" {
			if _, err := ParseBand(p.Band); err != nil {
				return fmt.Errorf("sim.peers[%s].band: %w", p.Name, err)
			}
		}
		if _, err := ParseWidth(p.Width); p.Width != 0 && err != nil {
			return fmt.Errorf("sim.peers[%s].width: %w", p.Name, err)
		}
		if p.NSS < 0 || p.NSS > 2 {
			return fmt.Errorf("sim.peers[%s].nss 需在 1-2 之间", p.Name)
		}
		if p.FramesPerTick < 0 || p.FramesPerTick > 64 {
			return fmt.Errorf("sim.peers[%s].frames_per_tick 需在 1-64 之间", p.Name)
		}
		if p.SNRDriftdB < 0 {
			return fmt.Errorf("sim.peers[%s].snr_drift_db 不能为负数", p.Name)
		}
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)

	// 仿真对端继承全局频段与默认值
	for i := range c.Sim.Peers {
		p := &c.Sim.Peers[i]
		if p.Band == "" {
			p.Band = c.Band
		}
		if p.Width == 0 {
			p.Width = 20
		}
		if p.NSS == 0 {
			p.NSS = 1
		}
		if p.FramesPerTick == 0 {
			p.FramesPerTick = 1
		}
	}

	// 2.4G 上没有 VHT，宽度最多 40
	for i := range c.Sim.Peers {
		p := &c.Sim.Peers[i]
		if band, _ := ParseBand(p.Band); band == rate.Band2GHz {
			p.VHT = false
			if p.Width > 40 {
				p.Width = 40
			}
		}
	}

	if c.Replay.Speed == 0 {
		c.Replay.Speed = 1
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// ParseBand 解析频段字符串 ("2.4"/"2g" 或 "5"/"5g")
func ParseBand(s string) (rate.Band, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "2.4", "2.4g", "2g", "2.4ghz", "24":
		return rate.Band2GHz, nil
	case "5", "5g", "5ghz":
		return rate.Band5GHz, nil
	}
	return rate.Band2GHz, fmt.Errorf("无效的频段: %q (支持: 2.4, 5)", s)
}

// ParseWidth 解析信道宽度 (MHz)
func ParseWidth(mhz int) (rate.Bandwidth, error) {
	switch mhz {
	case 20:
		return rate.BW20, nil
	case 40:
		return rate.BW40, nil
	case 80:
		return rate.BW80, nil
	case 160:
		return rate.BW160, nil
	}
	return rate.BW20, fmt.Errorf("无效的信道宽度: %d (支持: 20, 40, 80, 160)", mhz)
}

// GetBand 全局频段
func (c *Config) GetBand() rate.Band {
	band, _ := ParseBand(c.Band)
	return band
}

// GetMetricsPort 获取监控端口
func (c *Config) GetMetricsPort() int {
	port, _ := parsePort(c.Metrics.Listen)
	return port
}

// EngineParams 转换为引擎参数
func (c *Config) EngineParams() engine.Params {
	e := c.Engine
	return engine.Params{
		SRForceDecrease:    e.SRForceDecrease,
		SRNoDecrease:       e.SRNoDecrease,
		TPCSRForceIncrease: e.TPCSRForceIncrease,
		TPCSRNoIncrease:    e.TPCSRNoIncrease,
		MinFailure:         e.MinFailureTh,
		MinSuccess:         e.MinSuccessTh,
		Legacy: engine.StayLimits{
			FailureLimit: e.Legacy.FailureLimit,
			SuccessLimit: e.Legacy.SuccessLimit,
			TableCount:   e.Legacy.TableCount,
		},
		NonLegacy: engine.StayLimits{
			FailureLimit: e.NonLegacy.FailureLimit,
			SuccessLimit: e.NonLegacy.SuccessLimit,
			TableCount:   e.NonLegacy.TableCount,
		},
		StayInColumnTimeout: time.Duration(e.StayInColumnTimeoutMs) * time.Millisecond,
		IdleTimeout:         time.Duration(e.IdleTimeoutMs) * time.Millisecond,
		MissedRateMax:       e.MissedRateMax,
		AggStartThreshold:   e.AggStartThreshold,
		AggMeasureWindow:    time.Duration(e.AggMeasureWindowMs) * time.Millisecond,
		AggTimeLimit:        uint16(e.AggTimeLimit),
		FarRangeTweak:       e.FarRangeTweak,
		RSSIBasedInitRate:   e.RSSIBasedInitRate,
		TPCEnabled:          e.TPCEnabled,
		LDPCSupported:       e.LDPCSupported,
		Beamformer:          e.Beamformer,
	}
}

// FlushInterval 日志库落盘周期
func (c *JournalConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// WriteTimeout 推送写超时
func (c *FeedConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMs) * time.Millisecond
}

// Tick 仿真步长
func (c *SimConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

// Duration 仿真时长，0 表示一直运行
func (c *SimConfig) Duration() time.Duration {
	return time.Duration(c.DurationS) * time.Second
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# linkrate 配置文件示例
# =============================================================================

# 基础配置
log_level: "info"                   # 日志级别: error, info, debug
log_format: "console"               # 日志格式: console, json
band: "5"                           # 默认频段: 2.4, 5

# 速率自适应引擎
engine:
  sr_force_decrease: 15             # 成功率低于该值强制降速 (%)
  sr_no_decrease: 85                # 成功率高于该值不降速 (%)
  tpc_sr_force_increase: 75         # 成功率低于该值强制提升功率 (%)
  tpc_sr_no_increase: 85            # 成功率高于该值允许降低功率 (%)
  min_failure_th: 3                 # 平均吞吐有效所需最少失败次数
  min_success_th: 8                 # 平均吞吐有效所需最少成功次数
  legacy:
    failure_limit: 160
    success_limit: 480
    table_count: 160
  non_legacy:
    failure_limit: 400
    success_limit: 4500
    table_count: 1500
  stay_in_column_timeout_ms: 5000   # 列内停留超时
  idle_timeout_ms: 5000             # 无反馈超时后重新初始化
  missed_rate_max: 15               # 颜色不匹配容忍次数
  agg_start_threshold: 10           # 聚合启动阈值 (每窗口成功帧)
  agg_measure_window_ms: 1000
  agg_time_limit: 4000              # 聚合时长上限 (微秒)
  far_range_tweak: true             # 80MHz 远距离降为 20MHz
  rssi_based_init_rate: false       # 按 RSSI 选择初始速率
  tpc_enabled: true                 # 发射功率控制
  ldpc_supported: true
  beamformer: true

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false

# WebSocket 命令推送 (linkrate-watch 订阅)
feed:
  enabled: false
  listen: ":9200"
  path: "/feed"
  queue_size: 256
  write_timeout_ms: 1000

# 统计日志库 (SQLite)
journal:
  enabled: false
  path: "linkrate.db"
  flush_interval_ms: 10000
  max_retries: 3

# 抓包回放 (radiotap pcap)
# replay:
#   pcap: "capture.pcap"
#   peer: "aa:bb:cc:dd:ee:ff"        # 只回放该对端，留空为全部
#   speed: 1                         # 回放倍速，0 为不等待

# 信道仿真
sim:
  tick_ms: 10
  duration_s: 0                     # 0 为一直运行
  seed: 1
  peers:
    - name: "laptop"
      band: "5"
      width: 80
      vht: true
      nss: 2
      snr_db: 30
      snr_drift_db: 2
      frames_per_tick: 4
#   - name: "phone"
#     band: "2.4"
#     width: 20
#     nss: 1
#     snr_db: 12
#
# =============================================================================
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
