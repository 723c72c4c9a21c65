package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	bm "github.com/charmbracelet/wish/bubbletea"
	"github.com/mattn/go-isatty"

	"go-modelwatch/internal/alert"
	"go-modelwatch/internal/cluster"
	"go-modelwatch/internal/config"
	"go-modelwatch/internal/logging"
	"go-modelwatch/internal/monitor"
	"go-modelwatch/internal/provider"
	"go-modelwatch/internal/scheduler"
	"go-modelwatch/internal/secrets"
	"go-modelwatch/internal/server"
	"go-modelwatch/internal/store"
	"go-modelwatch/internal/tui"
)

func main() {
	fs := flag.NewFlagSet("modelwatch", flag.ExitOnError)
	config.RegisterFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs.Lookup("config").Value.String())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.ApplyFlags(fs)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	logger := logging.New(cfg.LogLevel, interactive)

	if err := run(cfg, logger, interactive); err != nil {
		logger.Error("fatal", "err", err)
		if interactive {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger, interactive bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	codec, err := secrets.New(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	registry := provider.NewRegistry(nil)
	checker := monitor.NewChecker(st, codec, registry, logger.WithPrefix("monitor"))

	var opts []alert.Option
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := alert.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			logger.Warn("telegram disabled", "err", err)
		} else {
			opts = append(opts, alert.WithMirror(tg))
		}
	}
	notifier := alert.NewNotifier(st, codec, cfg.Email.From, logger.WithPrefix("alert"), opts...)

	coord := scheduler.New(st, checker, notifier, logger.WithPrefix("scheduler"))
	cluster.Start(ctx, cluster.Config{
		Mode:      cfg.Cluster.Mode,
		PeerURL:   cfg.Cluster.Peer,
		SharedKey: cfg.Cluster.Secret,
	}, coord, logger.WithPrefix("cluster"))
	if err := coord.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile", "err", err)
	}
	coord.Start()

	var api *server.Server
	if cfg.HTTP.Port > 0 {
		if !cfg.APIEnabled() {
			logger.Warn("no admin password set, management API will refuse logins")
		}
		api, err = server.New(server.Config{
			Port:          cfg.HTTP.Port,
			EnableStatus:  cfg.Status.Enabled,
			Title:         cfg.Status.Title,
			ClusterKey:    cfg.Cluster.Secret,
			AdminUsername: cfg.Admin.Username,
			AdminPassword: cfg.Admin.Password,
			JWTKey:        cfg.JWTKey(),
		}, st, codec, coord, registry, logger.WithPrefix("http"))
		if err != nil {
			return err
		}
		api.Start()
	}

	deps := tui.Deps{Store: st, Codec: codec, Coord: coord}
	var sshServer *ssh.Server
	if cfg.SSH.Port > 0 {
		sshServer, err = startSSHServer(cfg, deps, logger.WithPrefix("ssh"))
		if err != nil {
			logger.Error("ssh dashboard disabled", "err", err)
		}
	}

	if interactive {
		p := tea.NewProgram(tui.InitialModel(deps), tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	} else {
		logger.Info("running headless", "http", cfg.HTTP.Port, "ssh", cfg.SSH.Port)
		done := make(chan os.Signal, 1)
		signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
		<-done
	}

	logger.Info("shutting down")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}
	if sshServer != nil {
		if err := sshServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			logger.Warn("ssh shutdown", "err", err)
		}
	}
	coord.Stop(shutdownCtx)
	return nil
}

func startSSHServer(cfg *config.Config, deps tui.Deps, logger *log.Logger) (*ssh.Server, error) {
	keysPath := cfg.SSH.AuthorizedKeys
	s, err := wish.NewServer(
		wish.WithAddress(net.JoinHostPort("", strconv.Itoa(cfg.SSH.Port))),
		wish.WithHostKeyPath(cfg.SSH.HostKey),

		wish.WithPublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			data, err := os.ReadFile(keysPath)
			if err != nil {
				logger.Warn("read authorized keys", "path", keysPath, "err", err)
				return false
			}
			ok := isKeyAllowed(data, key)
			if !ok {
				logger.Info("rejected key", "user", ctx.User(), "addr", ctx.RemoteAddr())
			}
			return ok
		}),

		wish.WithMiddleware(
			bm.Middleware(func(s ssh.Session) (tea.Model, []tea.ProgramOption) {
				logger.Info("dashboard session", "user", s.User(), "addr", s.RemoteAddr())
				return tui.InitialModel(deps), []tea.ProgramOption{tea.WithAltScreen()}
			}),
		),
	)
	if err != nil {
		return nil, err
	}

	go func() {
		logger.Info("ssh dashboard listening", "addr", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			logger.Error("ssh server stopped", "err", err)
		}
	}()
	return s, nil
}

func isKeyAllowed(authFileData []byte, incomingKey ssh.PublicKey) bool {
	for len(authFileData) > 0 {
		allowedKey, _, _, rest, err := ssh.ParseAuthorizedKey(authFileData)
		if err != nil {
			return false
		}
		if ssh.KeysEqual(allowedKey, incomingKey) {
			return true
		}
		authFileData = rest
	}
	return false
}
