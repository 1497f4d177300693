// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cm64-studio/llmule-broker/internal/activity"
	"github.com/cm64-studio/llmule-broker/internal/api"
	"github.com/cm64-studio/llmule-broker/internal/config"
	"github.com/cm64-studio/llmule-broker/internal/dispatcher"
	"github.com/cm64-studio/llmule-broker/internal/ledger"
	"github.com/cm64-studio/llmule-broker/internal/registry"
	"github.com/cm64-studio/llmule-broker/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the LLMule broker daemon",
	Long: `serve starts the broker's two listeners: the websocket Session
Layer that providers connect to, and the client-facing HTTP API that
consumers call for chat completions, the model catalog, and accounting.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := activity.Standard()
	if debugMode {
		Debug("loaded config: http=%s ws=%s sqlite=%s", cfg.Listen.HTTP, cfg.Listen.WS, cfg.Store.SQLitePath)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := ledger.OpenStore(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	gatewayOpts := []ledger.Option{
		ledger.WithWelcomeAmount(cfg.Tokenomics.WelcomeAmount),
		ledger.WithLogger(log),
	}

	reconcileQueue, err := ledger.NewReconcileQueue(ctx, ledger.ReconcileQueueConfig{
		URL:      cfg.Redis.URL,
		Password: cfg.Redis.Password,
		Logger:   log,
	})
	if err != nil {
		activity.Logf(log, "warning", "reconcile queue unavailable, settlement failures will only be logged: %v", err)
	} else {
		defer reconcileQueue.Close()
		gatewayOpts = append(gatewayOpts, ledger.WithReconcileQueue(reconcileQueue))
		go func() {
			if err := reconcileQueue.Drain(ctx, func(_ context.Context, entry ledger.ReconcileEntry) error {
				activity.Logf(log, "warning", "reconciliation pending: account=%s reason=%s amount=%.6f detail=%s",
					entry.Account, entry.Reason, entry.Amount, entry.Detail)
				return nil
			}); err != nil && ctx.Err() == nil {
				activity.Logf(log, "error", "reconcile drain loop exited: %v", err)
			}
		}()
	}

	gw := ledger.NewGateway(store, gatewayOpts...)

	reg := registry.New(registry.Config{
		PingInterval:     cfg.Timeouts.Ping,
		HeartbeatTimeout: cfg.Timeouts.Heartbeat,
		LoadThreshold:    cfg.LoadThreshold,
		Logger:           log,
	})

	disp := dispatcher.New(dispatcher.Config{
		Registry:          reg,
		Ledger:            gw,
		RequestTimeout:    cfg.Timeouts.Request,
		MaxRequestTimeout: cfg.Timeouts.MaxRequest,
		Logger:            log,
	})

	// The registry can only cancel a dispatcher's pending requests once the
	// dispatcher exists, so the callback is wired after both are built
	// rather than passed in at registry.New time.
	reg.SetOnRemoved(disp.OnSessionRemoved)

	go func() {
		if err := reg.MonitorHeartbeats(ctx); err != nil && ctx.Err() == nil {
			activity.Logf(log, "error", "heartbeat monitor exited: %v", err)
		}
	}()

	sessionServer := session.NewServer(func() session.Callbacks {
		return session.Callbacks{
			OnRegister: func(sess *session.Session, credential string, advertisedModels []string) (string, error) {
				outcome, err := reg.Register(sess.ID, credential, advertisedModels, sess)
				if err != nil {
					return "", err
				}
				handle, _ := reg.HandleForSession(sess.ID)
				activity.Logf(log, "info", "session %s registered: %s (%s)", sess.ID, outcome, handle)
				return handle, nil
			},
			OnReregister: func(sess *session.Session) {
				if err := reg.Heartbeat(sess.ID); err != nil {
					activity.Logf(log, "warning", "re-register heartbeat failed for %s: %v", sess.ID, err)
				}
			},
			OnPong: func(sess *session.Session) {
				if err := reg.Heartbeat(sess.ID); err != nil {
					activity.Logf(log, "warning", "pong heartbeat failed for %s: %v", sess.ID, err)
				}
			},
			OnCompletionResponse: disp.OnCompletionResponse,
			OnClosed: func(sess *session.Session, reason string) {
				reg.Remove(sess.ID, reason)
			},
			Logger: log,
		}
	}, log)

	metrics := api.NewMetrics(prometheus.DefaultRegisterer)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     cfg.Listen.HTTP,
		Dispatcher:     disp,
		Ledger:         gw,
		Registry:       reg,
		ResolveAccount: accountResolver(gw),
		Metrics:        metrics,
		Logger:         log,
	})

	wsHTTP := &wsServer{addr: cfg.Listen.WS, handler: sessionServer, log: log}

	errCh := make(chan error, 2)
	go func() { errCh <- apiServer.Start(ctx) }()
	go func() { errCh <- wsHTTP.start(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// accountResolver treats a client's API key as its own account id for
// now (spec §1: account management lives in an external system the broker
// only consults, never owns) and ensures the balance row exists so a
// first-ever request doesn't fail closed on a missing balance.
func accountResolver(gw *ledger.Gateway) api.AccountResolver {
	return func(apiKey string) (string, bool) {
		if apiKey == "" {
			return "", false
		}
		if _, err := gw.EnsureBalance(apiKey); err != nil {
			return "", false
		}
		return apiKey, true
	}
}
