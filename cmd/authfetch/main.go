// Command authfetch signs in to a backend and makes authenticated requests
// that refresh and replay transparently. "authfetch serve" runs the
// development backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/panyam/authfetch/client"
	"github.com/panyam/authfetch/client/stores/fs"
	"github.com/panyam/authfetch/client/stores/redisstore"
	"github.com/panyam/authfetch/devserver"
	authgrpc "github.com/panyam/authfetch/grpc"
)

const usage = `usage: authfetch [-config file] <command> [flags]

commands:
  serve    run the development backend
  login    sign in with a username and password
  get      fetch a path relative to the base URL
  logout   revoke and forget the stored credential
  status   show the stored credential
`

func main() {
	configPath := flag.String("config", os.Getenv("AUTHFETCH_CONFIG"), "YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := client.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "serve":
		err = runServe(ctx, logger, args)
	case "login":
		err = withClient(cfg, logger, func(c *client.AuthClient) error { return runLogin(ctx, c, args, os.Stdout) })
	case "get":
		err = withClient(cfg, logger, func(c *client.AuthClient) error { return runGet(ctx, c, args, os.Stdout) })
	case "logout":
		err = withClient(cfg, logger, func(c *client.AuthClient) error { return c.Logout(ctx) })
	case "status":
		err = withClient(cfg, logger, func(c *client.AuthClient) error { return runStatus(c, os.Stdout) })
	default:
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		if client.IsSessionTerminated(err) || errors.Is(err, client.ErrAuthenticationRequired) {
			fmt.Fprintln(os.Stderr, "not signed in; run: authfetch login")
		}
		logger.Error(cmd+" failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *client.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openStore returns the Redis store when RedisAddr is set, else the credentials file.
func openStore(cfg *client.Config) (client.CredentialStore, func() error, error) {
	if cfg.RedisAddr != "" {
		store, err := redisstore.NewRedisCredentialStore(redisstore.Options{URL: cfg.RedisAddr})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store, err := fs.NewFSCredentialStore(cfg.CredentialsPath, cfg.AppName)
	if err != nil {
		return nil, nil, err
	}
	return store, func() error { return nil }, nil
}

func withClient(cfg *client.Config, logger *slog.Logger, fn func(*client.AuthClient) error) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (set base_url or %s)", err, client.EnvBaseURL)
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer closeStore()

	c := client.NewAuthClientFromConfig(cfg, store,
		client.WithSessionOptions(client.WithLogger(logger)))
	err = fn(c)
	// A failed refresh signs out in the background; let it finish before exiting.
	c.Session().Teardown().Wait()
	return err
}

func runLogin(ctx context.Context, c *client.AuthClient, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("login", flag.ExitOnError)
	username := fset.String("username", "", "username")
	password := fset.String("password", os.Getenv("AUTHFETCH_PASSWORD"), "password (or AUTHFETCH_PASSWORD)")
	scope := fset.String("scope", "", "space-separated scopes")
	fset.Parse(args)

	if *username == "" || *password == "" {
		return errors.New("login requires -username and -password")
	}
	cred, err := c.Login(ctx, *username, *password, *scope)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "signed in to %s as %s\n", c.ServerURL(), cred.UserEmail)
	return nil
}

func runGet(ctx context.Context, c *client.AuthClient, args []string, out io.Writer) error {
	fset := flag.NewFlagSet("get", flag.ExitOnError)
	method := fset.String("X", http.MethodGet, "request method")
	data := fset.String("d", "", "request body")
	fset.Parse(args)

	target := fset.Arg(0)
	req := client.Request{Method: strings.ToUpper(*method), Target: target}
	if *data != "" {
		req.Body = []byte(*data)
		req.Header = http.Header{"Content-Type": {"application/json"}}
	}

	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func runStatus(c *client.AuthClient, out io.Writer) error {
	cred, err := c.GetCredential()
	if err != nil {
		return err
	}
	if cred == nil {
		fmt.Fprintf(out, "%s: not signed in\n", c.ServerURL())
		return nil
	}
	expiry := "unknown"
	if !cred.ExpiresAt.IsZero() {
		expiry = cred.ExpiresAt.Format(time.RFC3339)
	}
	fmt.Fprintf(out, "%s: signed in as %s\n  expires: %s\n  refreshable: %t\n",
		c.ServerURL(), cred.UserEmail, expiry, cred.HasRefreshToken())
	return nil
}

func runServe(ctx context.Context, logger *slog.Logger, args []string) error {
	fset := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fset.String("addr", ":8080", "HTTP listen address")
	grpcAddr := fset.String("grpc-addr", "", "gRPC listen address (disabled when empty)")
	users := fset.String("users", "demo:demo", "comma-separated user:password pairs")
	accessTTL := fset.Duration("access-ttl", devserver.DefaultAccessTokenTTL, "access token lifetime")
	secret := fset.String("secret", os.Getenv("AUTHFETCH_JWT_SECRET"), "JWT signing secret (random when empty)")
	fset.Parse(args)

	srv, err := devserver.New(devserver.Config{
		Secret:         []byte(*secret),
		AccessTokenTTL: *accessTTL,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	for _, pair := range strings.Split(*users, ",") {
		name, pw, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		if err := srv.AddUser(name, pw); err != nil {
			return err
		}
	}

	if *grpcAddr != "" {
		lis, err := net.Listen("tcp", *grpcAddr)
		if err != nil {
			return err
		}
		cfg := authgrpc.NewPublicMethodsConfig(srv.VerifyAccessToken, healthpb.Health_Check_FullMethodName)
		cfg.Logger = logger
		gs := grpc.NewServer(
			grpc.UnaryInterceptor(authgrpc.UnaryAuthInterceptor(cfg)),
			grpc.StreamInterceptor(authgrpc.StreamAuthInterceptor(cfg)),
		)
		healthpb.RegisterHealthServer(gs, health.NewServer())
		go func() {
			logger.Info("grpc listening", "addr", *grpcAddr)
			if err := gs.Serve(lis); err != nil {
				logger.Error("grpc server", "err", err)
			}
		}()
		defer gs.GracefulStop()
	}

	hs := &http.Server{Addr: *addr, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", *addr)
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return hs.Shutdown(shutdownCtx)
}
