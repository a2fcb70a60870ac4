// cmd/linkrate-watch/main.go
// 命令推送订阅客户端
// 连接守护进程的 WebSocket 推送端点，逐行打印链路质量命令

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/mrcgq/linkrate/internal/dispatch"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ============================================
// 应用结构
// ============================================

// Application 应用程序
type Application struct {
	config *WatchConfig

	received atomic.Uint64
	commands atomic.Uint64
	reconns  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// WatchConfig 客户端配置
type WatchConfig struct {
	Server string `yaml:"server"`
	Peer   string `yaml:"peer"`
	JSON   bool   `yaml:"json"`

	// 重连
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Stats      time.Duration `yaml:"stats_interval"`
}

// ============================================
// 主函数
// ============================================

func main() {
	cfg := parseFlags()

	printBanner(cfg)

	app := NewApplication(cfg)
	if err := app.Run(); err != nil {
		fmt.Printf("[ERROR] 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags 解析命令行参数
func parseFlags() *WatchConfig {
	cfg := &WatchConfig{
		Server:     "ws://127.0.0.1:9200/feed",
		MaxBackoff: 30 * time.Second,
		Stats:      30 * time.Second,
	}

	server := flag.String("server", "", "推送端点 (ws://host:port/path)")
	peer := flag.String("peer", "", "只显示该对端")
	asJSON := flag.Bool("json", false, "输出原始 JSON")
	configFile := flag.String("config", "", "配置文件路径 (YAML)")
	showVersion := flag.Bool("version", false, "显示版本")

	flag.Parse()

	if *showVersion {
		fmt.Printf("linkrate-watch v%s\n", Version)
		fmt.Printf("Build: %s\n", BuildTime)
		fmt.Printf("Commit: %s\n", GitCommit)
		fmt.Printf("Go: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// 先加载配置文件，再用命令行参数覆盖
	if *configFile != "" {
		if err := loadConfigFile(*configFile, cfg); err != nil {
			fmt.Printf("[WARN] 加载配置文件失败: %v\n", err)
		}
	}

	if *server != "" {
		cfg.Server = *server
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if *asJSON {
		cfg.JSON = true
	}

	cfg.Peer = strings.ToLower(strings.TrimSpace(cfg.Peer))

	if !strings.HasPrefix(cfg.Server, "ws://") && !strings.HasPrefix(cfg.Server, "wss://") {
		fmt.Println("[ERROR] 推送端点必须以 ws:// 或 wss:// 开头")
		flag.Usage()
		os.Exit(1)
	}
	return cfg
}

// loadConfigFile 加载 YAML 配置文件
func loadConfigFile(path string, cfg *WatchConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析 YAML 失败: %w", err)
	}
	fmt.Printf("[INFO] 已加载配置文件: %s\n", path)
	return nil
}

// printBanner 打印横幅
func printBanner(cfg *WatchConfig) {
	filter := cfg.Peer
	if filter == "" {
		filter = "全部"
	}
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 linkrate 命令推送订阅客户端               ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  端点:   %-48s ║\n", cfg.Server)
	fmt.Printf("║  对端:   %-48s ║\n", filter)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// ============================================
// 应用生命周期
// ============================================

// NewApplication 创建应用
func NewApplication(cfg *WatchConfig) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	return &Application{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 运行应用，连接断开后按指数退避重连
func (app *Application) Run() error {
	go app.statsLoop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\n[INFO] 收到信号 %v\n", sig)
		app.cancel()
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = app.config.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(app.session, backoff.WithContext(b, app.ctx),
		func(err error, next time.Duration) {
			app.reconns.Add(1)
			fmt.Printf("[WARN] 连接中断: %v, %s 后重连\n", err, next.Round(time.Millisecond))
		})

	fmt.Printf("[INFO] 已停止: 收到 %d 条, 命令 %d 条, 重连 %d 次\n",
		app.received.Load(), app.commands.Load(), app.reconns.Load())

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// session 单次连接，正常读到消息后重置退避
func (app *Application) session() error {
	if app.ctx.Err() != nil {
		return backoff.Permanent(app.ctx.Err())
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(app.ctx, app.config.Server, nil)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()

	fmt.Printf("[INFO] 已连接: %s\n", app.config.Server)

	// ctx 取消时关闭连接以打断阻塞读
	stop := context.AfterFunc(app.ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if app.ctx.Err() != nil {
				return backoff.Permanent(app.ctx.Err())
			}
			return err
		}
		app.handle(data)
	}
}

func (app *Application) handle(data []byte) {
	var msg dispatch.FeedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		fmt.Printf("[WARN] 无法解析消息: %v\n", err)
		return
	}
	app.received.Add(1)

	if app.config.Peer != "" && strings.ToLower(msg.Peer) != app.config.Peer {
		return
	}
	if msg.Kind == dispatch.KindCommand {
		app.commands.Add(1)
	}

	if app.config.JSON {
		fmt.Println(string(data))
		return
	}
	fmt.Println(msg.String())
	if msg.Command != nil {
		for _, r := range msg.Command.Runs {
			fmt.Printf("    %s x%d  %s\n", r.Code, r.Count, r.Rate)
		}
	}
}

// statsLoop 统计循环
func (app *Application) statsLoop() {
	if app.config.Stats <= 0 {
		return
	}
	ticker := time.NewTicker(app.config.Stats)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("[STATS] 消息: %d | 命令: %d | 重连: %d\n",
				app.received.Load(), app.commands.Load(), app.reconns.Load())
		}
	}
}
