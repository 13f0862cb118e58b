package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wanctl/internal/adapter/gateway"
	"wanctl/internal/domain"
	"wanctl/internal/infra/config"
	"wanctl/internal/infra/middleware"
	"wanctl/internal/security"
	"wanctl/internal/usecase/scheduling"
)

func runServe(args []string) error {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.String("config", configPath(args), "config file")
	fs.StringVar(&cfg.Gateway.Addr, "addr", cfg.Gateway.Addr, "listen address host:port")
	fs.BoolVar(&cfg.Gateway.MDNS, "mdns", cfg.Gateway.MDNS, "advertise the gateway on the local network")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := checkExposure(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		a.close(shutdownCtx)
	}()

	auditLog, err := openAudit(a)
	if err != nil {
		return err
	}
	var audit domain.AuditLogger
	if auditLog != nil {
		defer auditLog.Close()
		audit = auditLog
	}

	srv := newGateway(ctx, a, audit)
	if cfg.Gateway.MDNS {
		go advertise(ctx, a)
	}
	a.log.Info("wanctl serving", "addr", cfg.Gateway.Addr, "tokens", len(cfg.Gateway.Tokens),
		"history", a.store != nil)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	return nil
}

// newGateway builds the websocket gateway around the app's service.
func newGateway(ctx context.Context, a *app, audit domain.AuditLogger) *gateway.Server {
	cfg := a.cfg
	srv := gateway.NewServer(a.bus, authenticator(cfg, a), cfg.Gateway.Addr, a.log)
	srv.Use(
		middleware.AccessLog(a.log),
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerMin: cfg.Gateway.RequestsPerMin,
			Burst:          cfg.Gateway.Burst,
		}),
	)

	deps := gateway.HandlerDeps{
		Jobs: a.svc,
		Defaults: gateway.RunDefaults{
			Executable: cfg.Python.Executable,
			Script:     cfg.Python.Script,
			Params:     paramsFrom(cfg.Generation),
		},
		Bus:    a.bus,
		Audit:  audit,
		Logger: a.log,
	}
	gateway.RegisterDefaultHandlers(srv, deps)
	gateway.RegisterRESTHandlers(srv, deps)
	return srv
}

// openAudit opens the audit trail when enabled and schedules its
// retention. It returns a nil logger when auditing is off.
func openAudit(a *app) (*security.FileAuditLogger, error) {
	cfg := a.cfg.Audit
	if !cfg.Enabled {
		return nil, nil
	}
	maxSize, err := security.ParseRetentionMaxSize(cfg.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("audit.max_size: %w", err)
	}
	al, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAge > 0 || maxSize > 0 {
		al.SetRetention(security.RetentionPolicy{MaxAge: cfg.MaxAge, MaxSize: maxSize})
		a.sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			n, err := al.EnforceRetention(ctx)
			if n > 0 {
				a.log.Info("audit log trimmed", "removed", n)
			}
			return err
		})
		if err := a.sched.AddTask(scheduling.ScheduledTask{
			Name:     "audit-retention",
			Schedule: "@hourly",
			Action:   scheduling.ActionAuditRetention,
		}); err != nil {
			al.Close()
			return nil, err
		}
	}
	return al, nil
}

// advertise publishes the gateway over mDNS until ctx ends.
func advertise(ctx context.Context, a *app) {
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "wanctl"
	}
	auth := "token"
	if len(a.cfg.Gateway.Tokens) == 0 {
		auth = "none"
	}
	meta := map[string]string{"auth": auth, "task": a.cfg.Generation.Task}
	if err := gateway.Advertise(ctx, instance, a.cfg.Gateway.Addr, meta, a.log); err != nil {
		a.log.Warn("mdns advertise failed", "error", err)
	}
}

// runDiscover lists gateways advertised on the local network.
func runDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	timeout := fs.Duration("timeout", 3*time.Second, "how long to listen")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	peers, err := gateway.Discover(context.Background(), *timeout)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No wanctl gateways found.")
		return nil
	}
	for _, p := range peers {
		fmt.Printf("%-24s %-24s auth=%s task=%s\n", p.Instance, p.Address, p.Meta["auth"], p.Meta["task"])
	}
	return nil
}

// checkExposure refuses a token-less gateway on anything but loopback:
// job.run accepts a client executable and env.
func checkExposure(cfg *config.Config) error {
	if len(cfg.Gateway.Tokens) > 0 || isLoopback(cfg.Gateway.Addr) {
		return nil
	}
	return domain.NewSubSystemError("config", "serve", domain.ErrConfigLoad,
		fmt.Sprintf("gateway address %s is not loopback; configure gateway.tokens", cfg.Gateway.Addr))
}

// authenticator uses static tokens when configured. Without tokens the
// gateway is open; checkExposure limits that to loopback.
func authenticator(cfg *config.Config, a *app) gateway.Authenticator {
	if len(cfg.Gateway.Tokens) == 0 {
		return gateway.OpenAuth{}
	}
	entries := make([]gateway.TokenEntry, 0, len(cfg.Gateway.Tokens))
	for _, t := range cfg.Gateway.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, Hash: t.TokenHash, Name: t.Name})
	}
	return gateway.NewStaticTokenAuth(entries)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
