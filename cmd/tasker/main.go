package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"nettasker/internal/app"
	"nettasker/internal/shared/config"
	"nettasker/internal/shared/logger"
	"nettasker/internal/shared/types"
	"nettasker/proxypool/model"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	importFile := flag.String("import", "", "Import proxies (ip:port or ip:port:user:pass per line) from file and exit")
	protocol := flag.String("protocol", "http", "Protocol of imported proxies (http or socks5)")
	category := flag.String("category", "", "Proxy choice the imported proxies serve")
	newSession := flag.Bool("new-session", false, "Create a session and exit")
	mobile := flag.Bool("mobile", false, "Use a mobile fingerprint for -new-session")
	proxyID := flag.String("proxy", "", "Bind -new-session to this pool proxy id")
	checkURL := flag.String("check", "", "Request this URL with every stored session and exit")
	choice := flag.String("choice", "", "Proxy choice for -check when a session has no bound proxy")
	status := flag.Bool("status", false, "Print the pool status and exit")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "tasker.ini")

	// 1. 加载 .ini 配置
	cfg := types.DefaultConfig()
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 组装服务
	server, err := app.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tasker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *importFile != "":
		runImport(server, *importFile, *protocol, model.Choice(*category))
	case *newSession:
		if err := server.Pool().Load(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to load proxy pool")
		}
		sess, err := server.CreateSession(*mobile, *proxyID)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create session")
		}
		fmt.Println(sess.UUID)
	case *checkURL != "":
		runCheck(ctx, server, *checkURL, model.Choice(*choice))
	case *status:
		printStatus(server)
	default:
		// 3. 常驻运行代理池调度，直到收到退出信号
		server.Run(ctx)
	}
}

func runImport(server *app.AppServer, file, protocol string, category model.Choice) {
	f, err := os.Open(file)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to open import file '%s'", file)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to read import file")
	}

	if err := server.Pool().Load(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load proxy pool")
	}
	done, err := server.Pool().Import(lines, protocol, category)
	if err != nil {
		logger.Fatal().Err(err).Msg("Import failed")
	}
	<-done
	server.Stop()
}

func runCheck(ctx context.Context, server *app.AppServer, target string, choice model.Choice) {
	server.Start()
	defer server.Stop()

	results, err := server.CheckSessions(ctx, target, choice)
	if err != nil {
		logger.Error().Err(err).Msg("Session check interrupted")
	}
	for _, res := range results {
		fmt.Printf("%-48s %-10s attempts=%d step=%q\n", res.Task, res.Outcome, res.Attempts, res.FailedStep)
	}
}

func printStatus(server *app.AppServer) {
	if err := server.Pool().Load(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to load proxy pool")
	}
	st, err := server.Status()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read status")
	}
	for _, p := range st.Proxies {
		fmt.Printf("%-28s %-22s %-12s %-12s active=%d latency=%dms\n", p.ID, p.Addr, p.Category, p.State, p.Active, p.Latency)
	}
	fmt.Printf("proxies=%d sessions=%d by_state=%v\n", len(st.Proxies), st.Sessions, st.ByState)
}
