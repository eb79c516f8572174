// Command jsxtoold runs the development-time sidecar in one of two modes.
// By default it runs the message bus (C11) serving editor clients over
// WebSocket, the HTML-injecting reverse proxy (C7), the desktop IPC peer
// (C9), and the local key store and fetcher (C4/C6). When -host-agent is
// set it runs only the reverse tunnel (C10) that answers host-forwarded
// requests against the real machine.
//
// Grounded on the teacher's CLI entrypoint shape in tool/tbot/main.go
// (flags via gravitational/kingpin, a single fatal-on-error main, a
// logrus-configured logger) generalized from a single auth client to
// this module's multi-component wiring.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jsx-tool/devbus/internal/bus"
	"github.com/jsx-tool/devbus/internal/config"
	"github.com/jsx-tool/devbus/internal/deskpeer"
	"github.com/jsx-tool/devbus/internal/fsgateway"
	"github.com/jsx-tool/devbus/internal/hostagent"
	"github.com/jsx-tool/devbus/internal/hostops"
	"github.com/jsx-tool/devbus/internal/htmlproxy"
	"github.com/jsx-tool/devbus/internal/keys"
	"github.com/jsx-tool/devbus/internal/lsp"
	"github.com/jsx-tool/devbus/internal/pty"
	"github.com/jsx-tool/devbus/internal/sig"
)

// jsxtoolVersion is reported to editor clients via get_version.
const jsxtoolVersion = "0.1.0"

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("jsxtoold exited with error")
	}
}

func run() error {
	var (
		workingDir    string
		hostAgentMode bool
		busURL        string
		devRoot       string
		hostRoot      string
		lspCommand    string
		debug         bool
	)

	app := kingpin.New("jsxtoold", "Development-time sidecar message bus")
	app.Flag("working-dir", "Project root directory").Default(".").StringVar(&workingDir)
	app.Flag("host-agent", "Run as a host-agent tunnel client instead of the bus").BoolVar(&hostAgentMode)
	app.Flag("bus-url", "Bus WebSocket URL to dial (host-agent mode only)").StringVar(&busURL)
	app.Flag("dev-root", "Dev-workspace root for path translation (host-agent mode only)").StringVar(&devRoot)
	app.Flag("host-root", "Host-workspace root for path translation (host-agent mode only)").StringVar(&hostRoot)
	app.Flag("lsp-command", "Language-intelligence worker executable").Default("").StringVar(&lspCommand)
	app.Flag("debug", "Enable debug logging").BoolVar(&debug)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		return trace.Wrap(err)
	}

	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.NewEntry(logrus.StandardLogger())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if hostAgentMode {
		return runHostAgent(ctx, hostAgentConfig{
			busURL:   busURL,
			devRoot:  devRoot,
			hostRoot: hostRoot,
			log:      log,
		})
	}
	return runBus(ctx, workingDir, lspCommand, log)
}

type hostAgentConfig struct {
	busURL   string
	devRoot  string
	hostRoot string
	log      *logrus.Entry
}

func runHostAgent(ctx context.Context, cfg hostAgentConfig) error {
	if cfg.busURL == "" {
		return trace.BadParameter("-bus-url is required in -host-agent mode")
	}

	localStore := keys.NewLocalStore(cfg.hostRoot)
	gw := fsgateway.New(config.Config{WorkingDirectory: cfg.hostRoot}, cfg.log)
	ptyMgr := pty.New(cfg.log)

	agent := hostagent.New(hostagent.Config{
		URL:      cfg.busURL,
		DevRoot:  cfg.devRoot,
		HostRoot: cfg.hostRoot,
		Keys:     localStore,
		Log:      cfg.log,
	})
	agent.SetHandlers(hostops.Build(gw, ptyMgr, agent, cfg.log))

	agent.Run(ctx)
	return nil
}

func runBus(ctx context.Context, workingDir, lspCommand string, log *logrus.Entry) error {
	absWorkingDir, err := absPath(workingDir)
	if err != nil {
		return trace.Wrap(err)
	}

	cfg, err := config.Load(absWorkingDir)
	if err != nil {
		return trace.Wrap(err)
	}

	clock := clockwork.NewRealClock()

	gw := fsgateway.New(cfg, log)
	watchRoots := append([]string{cfg.WorkingDirectory}, cfg.AdditionalDirectories...)
	watcher, err := fsgateway.NewWatcher(watchRoots, clock)
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()

	localStore := keys.NewLocalStore(cfg.WorkingDirectory)
	keyManager := keys.NewManager(clock)
	registry := keys.NewHTTPRegistry(cfg.KeyRegistryURL, nil)
	fetcher := keys.NewFetcher(registry, keyManager, clock, log)
	defer fetcher.Stop()

	desk := deskpeer.New(deskpeer.SocketPath(), log)
	if err := desk.Start(); err != nil {
		log.WithError(err).Warn("desktop IPC peer failed to start, continuing without it")
	}
	defer desk.Close()

	verifier := sig.NewVerifier(log)

	var lspFacade *lsp.Facade
	if lspCommand != "" {
		lspFacade = lsp.New(lsp.Config{Command: lspCommand, Clock: clock, Log: log})
		if err := lspFacade.Start(ctx); err != nil {
			log.WithError(err).Warn("language-intelligence worker failed to start, continuing without it")
			lspFacade = nil
		} else {
			defer lspFacade.Shutdown(context.Background())
		}
	}

	b := bus.New(bus.Config{
		Verifier: verifier,
		Keys:     keyManager,
		FS:       gw,
		Desk:     desk,
		LSP:      lspFacade,
		Clock:    clock,
		Log:      log,
		Insecure: cfg.Insecure,
		Version:  jsxtoolVersion,
		ProxyInfo: bus.ProxyInfo{
			ServerProtocol: cfg.ServerProtocol,
			ServerHost:     cfg.ServerHost,
			ServerPort:     cfg.ServerPort,
			WSProtocol:     cfg.WSProtocol,
			WSHost:         cfg.WSHost,
			WSPort:         cfg.WSPort,
		},
	})
	defer b.Stop()

	b.OnKeyRegistered(func(uuid string) { fetcher.StartFetching(uuid) })
	watcher.SetListener(func(changes []fsgateway.FileChange) {
		b.Broadcast("updated_project_info", map[string]interface{}{"file_changes": changes})
	})

	mux := http.NewServeMux()
	mux.Handle(bus.WSPath, b)
	mux.Handle("/metrics", promhttp.Handler())
	if !cfg.NoProxy {
		mux.Handle("/", htmlproxy.New(htmlproxy.Config{
			ServerProtocol: cfg.ServerProtocol,
			ServerHost:     cfg.ServerHost,
			ServerPort:     cfg.ServerPort,
			WSProtocol:     cfg.WSProtocol,
			WSHost:         cfg.WSHost,
			WSPort:         cfg.WSPort,
			InjectAt:       cfg.InjectAt,
		}, log))
	}

	addr := cfg.WSHost + ":" + strconv.Itoa(cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("jsxtoold listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return abs, nil
}
