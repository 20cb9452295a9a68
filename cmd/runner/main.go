package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/devicerunnerpro/devicerunnerpro/internal/config"
	"github.com/devicerunnerpro/devicerunnerpro/internal/engine"
	"github.com/devicerunnerpro/devicerunnerpro/internal/service"
	"github.com/devicerunnerpro/devicerunnerpro/pkg/logger"
)

// 命令行模式：单次执行一组命令后按会话结果退出。
// 退出码与引擎返回码一致，便于脚本编排
func main() {
	var (
		configPath     = flag.String("config", "", "配置文件路径（可选）")
		host           = flag.String("host", "", "目标主机")
		port           = flag.Int("port", 0, "网络端口")
		username       = flag.String("user", "", "登录用户名")
		password       = flag.String("password", "", "登录口令")
		device         = flag.String("device", "", "串口设备路径")
		baud           = flag.Int("baud", 0, "串口波特率")
		policy         = flag.String("transport", "", "通道策略: auto|network-only|serial-only")
		prompt         = flag.String("prompt", "", "提示符正则（支持 {username} 占位符）")
		commandList    = flag.String("commands", "", "命令列表，按分号拆分为多条命令；含分号的复合命令请用位置参数原样传入")
		transcript     = flag.String("transcript", "", "会话记录输出文件，空时取配置 runner.transcript_path，均为空则不落盘")
		commandTimeout = flag.Int("cmd-timeout", -1, "单命令超时秒数，0 表示无界")
		overallTimeout = flag.Int("overall-timeout", -1, "会话总超时秒数，0 表示无界")
		stopUnresolved = flag.Bool("stop-on-unresolved", false, "遇到未解决交互提示时停止后续命令")
		quiet          = flag.Bool("quiet", false, "只输出命令结果，不打印会话头")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(engine.ExitConnectFailed)
	}

	// 命令行模式日志只进文件，避免污染标准输出
	logCfg := logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     "file",
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}
	if err := logger.Init(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(engine.ExitConnectFailed)
	}

	commands := parseCommands(*commandList, flag.Args())
	if len(commands) == 0 {
		fmt.Fprintln(os.Stderr, "no commands given: use -commands or trailing arguments")
		os.Exit(engine.ExitConnectFailed)
	}

	req := &service.RunRequest{
		Host:             *host,
		Port:             *port,
		Username:         *username,
		Password:         *password,
		SerialDevice:     *device,
		Baud:             *baud,
		TransportPolicy:  *policy,
		PromptPattern:    *prompt,
		Commands:         commands,
		StopOnUnresolved: *stopUnresolved,
	}
	if *commandTimeout >= 0 {
		req.CommandTimeoutSec = commandTimeout
	}
	if *overallTimeout >= 0 {
		req.OverallTimeoutSec = overallTimeout
	}
	// 命令行模式只按显式路径落盘，不静默写入存储后端
	applyTranscriptTarget(req, *transcript, cfg.Runner.TranscriptPath)

	// Ctrl-C 中止会话，当前命令以 aborted 结束
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := service.NewRunnerService(cfg)
	resp, err := svc.Execute(ctx, req)
	if err != nil && resp == nil {
		fmt.Fprintf(os.Stderr, "session failed: %v\n", err)
		os.Exit(engine.ExitCodeForError(err))
	}

	summary := resp.Summary
	if !*quiet {
		fmt.Printf("transport:   %s\n", summary.Transport)
		fmt.Printf("link state:  %s\n", summary.ConnectionState)
		fmt.Printf("duration:    %s\n", summary.Duration)
		fmt.Printf("return code: %d\n", summary.ReturnCode)
		if summary.FailureReason != "" {
			fmt.Printf("failure:     %s\n", summary.FailureReason)
		}
	}
	for i, res := range summary.Results {
		if !*quiet {
			fmt.Printf("\n--- [%d] %s (%s) ---\n", i, res.Command, res.Status)
		}
		fmt.Println(res.Output)
	}

	os.Exit(summary.ReturnCode)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.Default()
}

// applyTranscriptTarget 确定会话记录去向：命令行参数优先于配置默认，
// 两者均为空表示本次执行不落盘
func applyTranscriptTarget(req *service.RunRequest, flagPath, configPath string) {
	path := strings.TrimSpace(flagPath)
	if path == "" {
		path = strings.TrimSpace(configPath)
	}
	if path == "" {
		req.SkipTranscript = true
		return
	}
	req.TranscriptPath = path
}

// parseCommands 合并 -commands 参数与位置参数：-commands 按分号拆分，
// 位置参数原样保留（复合命令如 "cd /tmp; ls" 走位置参数）
func parseCommands(list string, args []string) []engine.CommandRequest {
	var commands []engine.CommandRequest
	for _, part := range strings.Split(list, ";") {
		if text := strings.TrimSpace(part); text != "" {
			commands = append(commands, engine.CommandRequest{Text: text})
		}
	}
	for _, arg := range args {
		if text := strings.TrimSpace(arg); text != "" {
			commands = append(commands, engine.CommandRequest{Text: text})
		}
	}
	return commands
}
