//go:build linux || darwin || freebsd

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Trinoooo/eggie_poll/consts"
	"github.com/Trinoooo/eggie_poll/errs"
	"github.com/Trinoooo/eggie_poll/interactive/console"
	"github.com/Trinoooo/eggie_poll/logs"
	"github.com/Trinoooo/eggie_poll/server"
	"github.com/Trinoooo/eggie_poll/utils"
	"github.com/chzyer/readline"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var logger = logs.Named(consts.ComponentCli)

func invalidParam(name string, value any) error {
	e := errs.NewInvalidParamErr()
	logger.Error(e.Error(), zap.String(consts.LogFieldParams, name), zap.Any(consts.LogFieldValue, value))
	return e
}

var (
	flagHost = &cli.StringFlag{
		Name:    "host",
		Value:   "127.0.0.1",
		Usage:   "server host name, ipv4 only.",
		EnvVars: []string{consts.Host},
	}
	flagPort = &cli.Int64Flag{
		Name:    "port",
		Aliases: []string{"p"},
		Value:   8014,
		Usage:   "server port number, 0 < port < 65535 are available.",
		Action: func(c *cli.Context, port int64) error {
			if port <= 0 || port > 65535 {
				return invalidParam("port", port)
			}
			return nil
		},
		EnvVars: []string{consts.Port},
	}
	flagCapacity = &cli.Int64Flag{
		Name:    "capacity",
		Aliases: []string{"c"},
		Value:   1024,
		Usage:   "max watched descriptors, 0 < capacity <= 65536 are available.",
		Action: func(c *cli.Context, capacity int64) error {
			if capacity <= 0 || capacity > 64*consts.KB {
				return invalidParam("capacity", capacity)
			}
			return nil
		},
		EnvVars: []string{consts.Capacity},
	}
	flagTTL = &cli.DurationFlag{
		Name:    "ttl",
		Aliases: []string{"t"},
		Value:   time.Minute,
		Usage:   "idle timeout of a watched descriptor, 0 disables it.",
		Action: func(c *cli.Context, ttl time.Duration) error {
			if ttl < 0 {
				return invalidParam("ttl", ttl)
			}
			return nil
		},
		EnvVars: []string{consts.TTL},
	}
	flagConfig = &cli.StringFlag{
		Name:    "config",
		Value:   consts.DefaultConfigPath,
		Usage:   "directory holding config.yaml.",
		EnvVars: []string{consts.ConfigPath},
	}
	flagMetricsPush = &cli.StringFlag{
		Name:    "metrics-push",
		Usage:   "prometheus push gateway url, empty disables pushing.",
		EnvVars: []string{consts.MetricsPush},
	}
)

type Wrapper struct {
	app *cli.App
}

func NewWrapper() *Wrapper {
	wrapper := &Wrapper{
		app: &cli.App{
			Name:    "eggie_poll",
			Usage:   "socket readiness multiplexer with idle expiry",
			Version: "0.0.1.240601_alpha",
		},
	}
	wrapper.modifyDefaultHelp()
	wrapper.withCommands()
	wrapper.withAuthor()
	return wrapper
}

func (wrapper *Wrapper) Run(args []string) error {
	return wrapper.app.Run(args)
}

func (wrapper *Wrapper) modifyDefaultHelp() {
	cli.HelpFlag = &cli.BoolFlag{
		Name: "help",
	}
	cli.AppHelpTemplate = consts.HelpTemplate
}

func (wrapper *Wrapper) withCommands() {
	wrapper.app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "run the idle-closing echo server",
			Flags:  []cli.Flag{flagHost, flagPort, flagCapacity, flagTTL, flagConfig, flagMetricsPush},
			Action: serve,
		},
		{
			Name:   "console",
			Usage:  "poll local socket pairs interactively",
			Flags:  []cli.Flag{flagCapacity, flagTTL},
			Action: runConsole,
		},
	}
}

// overrides 只包含命令行/环境变量显式设置的项，其余以配置文件为准
func overrides(ctx *cli.Context) map[string]any {
	values := make(map[string]any)
	if ctx.IsSet(flagHost.Name) {
		values[server.KeyHost] = ctx.String(flagHost.Name)
	}
	if ctx.IsSet(flagPort.Name) {
		values[server.KeyPort] = ctx.Int64(flagPort.Name)
	}
	if ctx.IsSet(flagCapacity.Name) {
		values[server.KeyCapacity] = ctx.Int64(flagCapacity.Name)
	}
	if ctx.IsSet(flagTTL.Name) {
		values[server.KeyTTL] = ctx.Duration(flagTTL.Name)
	}
	if ctx.IsSet(flagMetricsPush.Name) {
		values[server.KeyMetricsPushURL] = ctx.String(flagMetricsPush.Name)
	}
	return values
}

func serve(ctx *cli.Context) error {
	defer logs.Sync()

	cfg, err := server.LoadConfig(ctx.String(flagConfig.Name), overrides(ctx))
	if err != nil {
		logger.Error("load config failed", zap.Error(err))
		return err
	}

	srv, err := server.NewIdleServer(cfg)
	if err != nil {
		logger.Error("create server failed", zap.Error(err))
		return err
	}

	go func() {
		// bugfix: 使用缓冲通道避免执行信号处理程序（下面的for）之前有信号到达会被丢弃
		sig := make(chan os.Signal, 5)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		for range sig {
			logger.Info("shutdown...")
			if err := srv.Close(); err != nil {
				logger.Error("server shutdown failed", zap.Error(err))
			}
		}
	}()

	return srv.Serve()
}

func runConsole(ctx *cli.Context) error {
	c, err := console.New(int(ctx.Int64(flagCapacity.Name)), ctx.Duration(flagTTL.Name), os.Stdout)
	if err != nil {
		return err
	}
	defer c.Close()

	if err = utils.EnsureDir(consts.HistoryDir); err != nil {
		logger.Warn("history disabled", zap.Error(err))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "> ",
		AutoComplete: console.Completer(),
		HistoryFile:  fmt.Sprintf("%s/cmd_history_%s", consts.HistoryDir, time.Now().Format("20060102")),
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	rl.CaptureExitSignal()

	return c.Run(rl)
}

func (wrapper *Wrapper) withAuthor() {
	wrapper.app.Authors = []*cli.Author{
		{
			Name:  "Trino",
			Email: "sujun.trinoooo@gmail.com",
		},
	}
}
