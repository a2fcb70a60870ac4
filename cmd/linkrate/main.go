// =============================================================================
// 文件: cmd/linkrate/main.go
// 描述: 主程序入口 - 速率自适应引擎守护进程 (指标、命令推送、统计日志、回放与仿真)
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/linkrate/internal/capture"
	"github.com/mrcgq/linkrate/internal/config"
	"github.com/mrcgq/linkrate/internal/dispatch"
	"github.com/mrcgq/linkrate/internal/engine"
	"github.com/mrcgq/linkrate/internal/journal"
	"github.com/mrcgq/linkrate/internal/logx"
	"github.com/mrcgq/linkrate/internal/metrics"
	"github.com/mrcgq/linkrate/internal/peer"
	"github.com/mrcgq/linkrate/internal/rate"
	"github.com/mrcgq/linkrate/internal/sim"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	replayPath := flag.String("replay", "", "回放 pcap 文件 (覆盖配置)")
	logLevel := flag.String("log-level", "", "日志级别: error/info/debug (覆盖配置)")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *replayPath != "" {
		cfg.Replay.PCAP = *replayPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	base, err := logx.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()

	if err := run(cfg, base); err != nil {
		base.Error("运行失败", zap.Error(err))
		base.Sync()
		os.Exit(1)
	}
}

// daemon 组装后的各组件
type daemon struct {
	cfg     *config.Config
	level   int
	base    *zap.Logger
	logger  *logx.Logger
	metrics *metrics.LinkRateMetrics
	runtime *metrics.RuntimeStats

	server    *metrics.MetricsServer
	queue     *dispatch.Queue
	oracle    *engine.StaticOracle
	engine    *engine.Engine
	table     *peer.Table
	journal   *journal.Journal
	feed      *dispatch.FeedServer
	simulator *sim.Simulator
	replayer  *capture.Replayer
}

func (d *daemon) module(name string) *logx.Logger {
	return logx.Module(d.base, name, d.level)
}

func run(cfg *config.Config, base *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d := &daemon{
		cfg:     cfg,
		level:   logx.LevelFromString(cfg.LogLevel),
		base:    base,
		runtime: metrics.NewRuntimeStats(),
	}
	d.logger = d.module("main")

	if err := d.build(ctx); err != nil {
		return err
	}
	if d.journal != nil {
		defer d.journal.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.queue.Run(gctx)
	})

	if d.server != nil {
		if err := d.server.Start(gctx); err != nil {
			return fmt.Errorf("指标服务启动失败: %w", err)
		}
	}
	if d.feed != nil {
		if err := d.feed.Start(gctx); err != nil {
			return fmt.Errorf("推送服务启动失败: %w", err)
		}
	}
	if d.journal != nil {
		g.Go(func() error {
			return d.journal.Run(gctx)
		})
	}
	if d.simulator != nil {
		g.Go(func() error {
			return d.simulator.Run(gctx, cfg.Sim.Duration())
		})
	}
	if d.replayer != nil {
		g.Go(func() error {
			stats, err := d.replayer.ReplayFile(gctx, cfg.Replay.PCAP)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("回放失败: %w", err)
			}
			d.logger.Log(logx.LevelInfo, "[Replay] 帧 %d 送入 %d 过滤 %d 跳过 %d 错误 %d",
				stats.Frames, stats.Fed, stats.Filtered, stats.Skipped, stats.Errors)
			return nil
		})
	}

	printBanner(d)

	err := g.Wait()

	// 剩余对端解除关联，统计落盘
	for _, s := range d.table.Sessions() {
		d.table.Disassociate(s.Peer)
	}
	if d.feed != nil {
		d.feed.Stop()
	}

	d.logger.Log(logx.LevelInfo, "[Main] 已停止: 反馈 %d 命令 %d 速率变更 %d 丢弃 %d",
		d.runtime.GetReports(), d.runtime.GetCommands(), d.runtime.GetRateChanges(), d.queue.Dropped())
	return err
}

// build 按配置创建组件
func (d *daemon) build(ctx context.Context) error {
	cfg := d.cfg

	if cfg.Metrics.Enabled {
		d.server = metrics.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof, d.module("metrics"))
		d.metrics = metrics.NewLinkRateMetrics(d.server.GetRegistry())
	}

	d.queue = dispatch.NewQueue(cfg.Feed.QueueSize,
		dispatch.WithMetrics(d.metrics),
		dispatch.WithRuntimeStats(d.runtime),
		dispatch.WithLogger(d.module("dispatch")))

	if d.level >= logx.LevelDebug {
		cmdLog := d.module("command")
		d.queue.AddSink(dispatch.SinkFunc(func(ev dispatch.Event) {
			cmdLog.Log(logx.LevelDebug, "%s", dispatch.NewFeedMessage(ev))
		}))
	}

	d.oracle = engine.NewStaticOracle(rate.AntAB)
	d.engine = engine.New(cfg.EngineParams(), d.oracle, d.queue,
		engine.WithLogger(d.module("engine")),
		engine.WithMetrics(d.metrics))

	d.table = peer.NewTable(d.engine,
		peer.WithMetrics(d.metrics),
		peer.WithRuntimeStats(d.runtime),
		peer.WithLogger(d.module("peer")),
		peer.WithDupFilter(peer.NewDupFilter(0)),
		peer.WithDisassociateHook(d.disassociated))

	if cfg.Journal.Enabled {
		j, err := journal.Open(ctx, cfg.Journal.Path,
			journal.WithSource(d.table),
			journal.WithMetrics(d.metrics),
			journal.WithLogger(d.module("journal")),
			journal.WithFlushInterval(cfg.Journal.FlushInterval()),
			journal.WithMaxRetries(cfg.Journal.MaxRetries))
		if err != nil {
			return fmt.Errorf("统计日志初始化失败: %w", err)
		}
		d.journal = j
	}

	if cfg.Feed.Enabled {
		d.feed = dispatch.NewFeedServer(cfg.Feed.Listen, cfg.Feed.Path,
			cfg.Feed.WriteTimeout(), d.module("feed"), d.metrics)
		d.queue.AddSink(d.feed)
	}

	if len(cfg.Sim.Peers) > 0 {
		specs, err := simSpecs(cfg)
		if err != nil {
			return err
		}
		d.simulator = sim.New(d.table, d.oracle, specs, cfg.Sim.Seed,
			sim.WithTick(cfg.Sim.Tick()),
			sim.WithLogger(d.module("sim")))
		d.queue.AddSink(d.simulator)
	}

	if cfg.Replay.PCAP != "" {
		opts := []capture.ReplayOption{
			capture.WithSpeed(cfg.Replay.Speed),
			capture.WithLogger(d.module("replay")),
		}
		if cfg.Replay.Peer != "" {
			opts = append(opts, capture.WithPeer(cfg.Replay.Peer))
		}
		d.replayer = capture.NewReplayer(d.table, opts...)
	}

	if d.server != nil {
		if err := d.server.RegisterCollector(metrics.NewPeerCollector(d.table)); err != nil {
			return fmt.Errorf("注册对端收集器失败: %w", err)
		}
		d.server.SetPeerStats(d.table)
		d.server.SetRuntimeStats(d.runtime)
		d.server.SetHealthCheck(d.healthStatus)
	}
	return nil
}

// disassociated 解除关联回调
func (d *daemon) disassociated(s *peer.Session) {
	d.queue.Forget(s.Peer)
	if d.journal != nil {
		d.journal.Disassociated(s)
	}
}

// simSpecs 仿真对端配置转换
func simSpecs(cfg *config.Config) ([]sim.PeerSpec, error) {
	specs := make([]sim.PeerSpec, 0, len(cfg.Sim.Peers))
	for _, p := range cfg.Sim.Peers {
		band, err := config.ParseBand(p.Band)
		if err != nil {
			return nil, fmt.Errorf("仿真对端 %s: %w", p.Name, err)
		}
		width, err := config.ParseWidth(p.Width)
		if err != nil {
			return nil, fmt.Errorf("仿真对端 %s: %w", p.Name, err)
		}
		specs = append(specs, sim.PeerSpec{
			Name:          p.Name,
			Caps:          sim.Caps(band, width, p.VHT, p.NSS),
			SNR:           p.SNRdB,
			Drift:         p.SNRDriftdB,
			FramesPerTick: p.FramesPerTick,
		})
	}
	return specs, nil
}

// =============================================================================
// 健康检查
// =============================================================================

func (d *daemon) healthStatus() metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	status.Components["engine"] = metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("peers: %d", d.table.Len()),
	}

	dispatchHealth := metrics.ComponentHealth{
		Status:  "healthy",
		Message: fmt.Sprintf("pending: %d dropped: %d", d.queue.Pending(), d.queue.Dropped()),
	}
	if d.queue.Dropped() > 0 {
		dispatchHealth.Status = "degraded"
		status.Status = "degraded"
	}
	status.Components["dispatch"] = dispatchHealth

	if d.feed != nil {
		status.Components["feed"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("clients: %d", d.feed.GetActiveClients()),
		}
	}
	if d.journal != nil {
		status.Components["journal"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: d.journal.Path(),
		}
	}
	return status
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("linkrate v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Println()
	fmt.Println("反馈来源:")
	fmt.Println("  - replay : pcap 回放 (radiotap 发送状态帧)")
	fmt.Println("  - sim    : 信道仿真对端")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println("  linkrate -gen-config")
	fmt.Println("  linkrate -c config.yaml")
	fmt.Println("  linkrate -c config.yaml -replay tx.pcap -log-level debug")
	fmt.Println()
	fmt.Println("监控:")
	fmt.Println("  - /metrics : Prometheus 格式指标")
	fmt.Println("  - /health  : JSON 健康状态")
	fmt.Println("  - /peers   : 对端速率状态")
	fmt.Println("  - /history : 最近速率变更")
}

func printBanner(d *daemon) {
	cfg := d.cfg
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════════╗")
	fmt.Printf("║  linkrate v%-54s ║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  频段: %-57s ║\n", cfg.GetBand())
	fmt.Printf("║  TPC: %-58v ║\n", cfg.Engine.TPCEnabled)

	if d.server != nil {
		fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
		fmt.Printf("║  Prometheus: http://%-44s ║\n", d.server.Addr()+cfg.Metrics.Path)
		fmt.Printf("║  健康检查:   http://%-44s ║\n", d.server.Addr()+cfg.Metrics.HealthPath)
	}
	if d.feed != nil {
		fmt.Printf("║  命令推送:   ws://%-46s ║\n", d.feed.Addr()+cfg.Feed.Path)
	}

	fmt.Println("╠══════════════════════════════════════════════════════════════════╣")
	if d.journal != nil {
		fmt.Printf("║  统计日志: %-53s ║\n", d.journal.Path())
	}
	if d.replayer != nil {
		fmt.Printf("║  回放: %-57s ║\n", fmt.Sprintf("%s x%.1f", cfg.Replay.PCAP, cfg.Replay.Speed))
	}
	if d.simulator != nil {
		fmt.Printf("║  仿真对端: %-53d ║\n", len(cfg.Sim.Peers))
	}
	fmt.Println("║  按 Ctrl+C 停止                                                  ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
