// ABOUTME: Entry point for the promptdeck gateway server
// ABOUTME: Serves login, session, and MCP proxy APIs for the dashboard

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/promptdeck/promptdeck/internal/api"
	"github.com/promptdeck/promptdeck/internal/auth"
	"github.com/promptdeck/promptdeck/internal/config"
	"github.com/promptdeck/promptdeck/internal/mail"
	"github.com/promptdeck/promptdeck/internal/proxy"
	"github.com/promptdeck/promptdeck/internal/session"
	"github.com/promptdeck/promptdeck/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _      _            _
 _ __  _ __ ___  _ __ ___  _ __ | |_ __| | ___   ___| | __
| '_ \| '__/ _ \| '_ ' _ \| '_ \| __/ _' |/ _ \ / __| |/ /
| |_) | | | (_) | | | | | | |_) | || (_| |  __/| (__|   <
| .__/|_|  \___/|_| |_| |_| .__/ \__\__,_|\___| \___|_|\_\
|_|                       |_|
`

// getConfigPath returns the path to the gateway config file.
// Priority: PROMPTDECK_CONFIG env var > XDG_CONFIG_HOME/promptdeck/gateway.yaml > ~/.config/promptdeck/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PROMPTDECK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "promptdeck", "gateway.yaml")
}

// getDataPath returns the path to the promptdeck data directory.
// Priority: XDG_DATA_HOME/promptdeck > ~/.local/share/promptdeck
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "promptdeck")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: promptdeck <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the gateway server")
		fmt.Println("  init                        Create a new config file interactively")
		fmt.Println("  health                      Check gateway health")
		fmt.Println("  token --email ADDR          Mint an API access token")
		fmt.Println("  hash-password               Generate a bcrypt admin password hash")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken()
	case "hash-password":
		err = runHashPassword()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Servers:  %d configured\n", len(cfg.MCPServers))
	fmt.Println()

	logger.Info("starting promptdeck",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"mcp_servers", len(cfg.MCPServers),
	)

	// Audit store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = st.Close() }()

	// Session store
	sessions := session.New(session.Config{
		LinkTTL:    cfg.Auth.MagicLinkLifetime,
		SessionTTL: cfg.Auth.SessionLifetime,
		Logger:     logger.With("component", "session"),
	})
	defer sessions.Close()

	// Mailer
	mailer := mail.NewSMTPMailer(cfg.SMTP, cfg.Server.BaseURL)

	// Auth service
	authSvc, err := auth.NewService(auth.Config{
		Store:             sessions,
		Mailer:            mailer,
		AllowedEmails:     cfg.Auth.AllowedEmails,
		AdminEmail:        cfg.Auth.AdminEmail,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		Audit:             st,
		Logger:            logger.With("component", "auth"),
	})
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}
	defer authSvc.Close()

	// Proxy gateway with encrypted credential fallback for servers without
	// an inline token
	gw, err := proxy.New(proxy.Config{
		Directory: configDirectory{cfg: cfg},
		Logger:    logger.With("component", "proxy"),
	})
	if err != nil {
		return fmt.Errorf("creating proxy gateway: %w", err)
	}
	if cfg.Credentials.Dir != "" {
		for _, srv := range cfg.MCPServers {
			if srv.AuthorizationToken == "" {
				gw.Credentials().Register(srv.Name,
					proxy.NewFileTokenSource(cfg.Credentials.Dir, srv.Name, cfg.Credentials.Passphrase))
			}
		}
	}

	// HTTP API
	apiSrv, err := api.NewServer(api.Config{
		Auth:     authSvc,
		Gateway:  gw,
		Verifier: auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret)),
		Audit:    st,
		Logger:   logger.With("component", "api"),
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// configDirectory adapts the static configuration to the gateway's server
// directory.
type configDirectory struct {
	cfg *config.Config
}

func (d configDirectory) GetMCPServer(name string) *proxy.UpstreamServer {
	srv := d.cfg.GetMCPServer(name)
	if srv == nil {
		return nil
	}
	return &proxy.UpstreamServer{
		Name:               srv.Name,
		URL:                srv.URL,
		ProxyEnabled:       srv.ProxyEnabled,
		AuthorizationToken: srv.AuthorizationToken,
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level: h.level,
		attrs: newAttrs,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}

// cliConfig is the small TOML config used by client-side commands like
// health. Lives next to the gateway config as cli.toml.
type cliConfig struct {
	ServerURL string `toml:"server_url"`
}

func loadCLIConfig() (*cliConfig, error) {
	path := filepath.Join(filepath.Dir(getConfigPath()), "cli.toml")
	var cfg cliConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return &cliConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &cfg, nil
}

// serverBaseURL resolves the gateway address: cli.toml wins, then the
// gateway config's http_addr.
func serverBaseURL() (string, error) {
	cli, err := loadCLIConfig()
	if err != nil {
		return "", err
	}
	if cli.ServerURL != "" {
		return strings.TrimRight(cli.ServerURL, "/"), nil
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return "", fmt.Errorf("loading config: %w", err)
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func runHealth(ctx context.Context) error {
	base, err := serverBaseURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// runToken mints a bearer API token signed with the configured JWT secret.
// Supports both "--email value" and "--email=value" formats, plus --ttl.
func runToken() error {
	var email string
	ttl := 30 * 24 * time.Hour

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--email" || arg == "-e":
			if i+1 >= len(args) {
				return fmt.Errorf("--email requires a value")
			}
			email = args[i+1]
			i++
		case strings.HasPrefix(arg, "--email="):
			email = strings.TrimPrefix(arg, "--email=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return fmt.Errorf("--ttl requires a value")
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
			i++
		case strings.HasPrefix(arg, "--ttl="):
			d, err := time.ParseDuration(strings.TrimPrefix(arg, "--ttl="))
			if err != nil {
				return fmt.Errorf("parsing --ttl: %w", err)
			}
			ttl = d
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if email == "" {
		return fmt.Errorf("--email flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret)).Generate(email, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Token for %s (expires %s)\n", email, time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

func runHashPassword() error {
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("promptdeck configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "promptdeck.db")
	defaultCredsDir := filepath.Join(defaultDataPath, "credentials")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")
	baseURL := prompt(reader, "External base URL", "http://"+httpAddr)

	fmt.Println("\n--- Auth Configuration ---")
	allowedEmails := prompt(reader, "Allowed emails (comma-separated, empty for open mode)", "")

	// Generate random JWT secret
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	fmt.Println("\n--- Mail Configuration ---")
	smtpHost := prompt(reader, "SMTP host", "localhost")
	smtpPort := prompt(reader, "SMTP port", "587")
	smtpFrom := prompt(reader, "From address", "promptdeck@example.com")

	fmt.Println("\n--- Storage Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)
	credsDir := prompt(reader, "Credential directory", defaultCredsDir)

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# promptdeck configuration\n")
	cfg.WriteString("# Generated by promptdeck init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  base_url: \"%s\"\n", baseURL))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	if allowedEmails != "" {
		cfg.WriteString("  allowed_emails:\n")
		for _, email := range strings.Split(allowedEmails, ",") {
			cfg.WriteString(fmt.Sprintf("    - \"%s\"\n", strings.TrimSpace(email)))
		}
	}
	cfg.WriteString("  session_lifetime: \"24h\"\n")
	cfg.WriteString("  magic_link_lifetime: \"15m\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("smtp:\n")
	cfg.WriteString(fmt.Sprintf("  host: \"%s\"\n", smtpHost))
	cfg.WriteString(fmt.Sprintf("  port: %s\n", smtpPort))
	cfg.WriteString(fmt.Sprintf("  from: \"%s\"\n", smtpFrom))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("credentials:\n")
	cfg.WriteString(fmt.Sprintf("  dir: \"%s\"\n", credsDir))
	cfg.WriteString("  passphrase: \"${PROMPTDECK_CRED_PASSPHRASE}\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("mcp_servers: []\n")
	cfg.WriteString("  # - name: \"jira\"\n")
	cfg.WriteString("  #   url: \"https://mcp.example.com/sse\"\n")
	cfg.WriteString("  #   proxy_enabled: true\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  promptdeck serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
