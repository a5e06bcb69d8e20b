package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deskline/chatcore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchAddr      string
	watchOpen      int64
	watchTransport string
)

func init() {
	watchCmd.Flags().StringVar(&watchAddr, "metrics-addr", "", "Serve /metrics, /healthz and /webhook on this address (e.g. :9090)")
	watchCmd.Flags().Int64Var(&watchOpen, "open", 0, "Open this conversation and follow its timeline")
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Override realtime.transport (sse, ws or poll)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live event feed",
	Long: "Connect to the provider's event stream and print every event until interrupted.\n" +
		"Polling takes over while the stream is down. With --metrics-addr a small HTTP\n" +
		"server exposes Prometheus metrics, a health check and, when realtime.webhook_secret\n" +
		"is set, a webhook endpoint feeding the same event stream.",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		metrics := chatcore.NewMetrics(reg)

		e, err := setup(metrics)
		if err != nil {
			return err
		}
		defer e.close()

		if maxAge, err := e.cfg.cacheMaxAge(); err == nil {
			if n := e.cache.PruneOlderThan(maxAge); n > 0 {
				e.logger.Info("pruned stale cache records", zap.Int("records", n))
			}
		}

		pollInterval, err := e.cfg.pollInterval()
		if err != nil {
			return fmt.Errorf("invalid realtime.poll_interval: %w", err)
		}
		transport := e.cfg.Realtime.Transport
		if watchTransport != "" {
			transport = watchTransport
		}

		feed := chatcore.NewFeed(e.gw, chatcore.FeedConfig{
			BaseURL:              e.cfg.Default.BaseURL,
			Token:                e.cfg.Default.Token,
			AccountID:            e.cfg.Default.AccountID,
			InboxIDs:             e.cfg.Realtime.InboxIDs,
			WorkspaceID:          e.workspace(),
			Transport:            transport,
			PollInterval:         pollInterval,
			MaxReconnectAttempts: -1,
			Logger:               e.logger,
			Metrics:              metrics,
		})
		session := chatcore.NewSession(e.gw, e.cache, feed, e.workspace(),
			chatcore.WithSessionLogger(e.logger),
			chatcore.WithSessionMetrics(metrics),
			chatcore.WithInitialFilter(chatcore.ListFilter{Status: chatcore.StatusOpen}),
		)
		sub := feed.Subscribe(chatcore.Handlers{
			OnMessageCreated: func(ev chatcore.MessageCreated) {
				fmt.Printf("message.created       #%d ", ev.ConversationID)
				printMessage(ev.Message)
			},
			OnConversationCreated: func(ev chatcore.ConversationCreated) {
				fmt.Printf("conversation.created  #%d %s\n", ev.Conversation.ID, ev.Conversation.Status)
			},
			OnConversationUpdated: func(ev chatcore.ConversationUpdated) {
				fmt.Printf("conversation.updated  #%d\n", ev.ConversationID)
			},
			OnConversationStatusChanged: func(ev chatcore.ConversationStatusChanged) {
				fmt.Printf("status_changed        #%d -> %s\n", ev.ConversationID, ev.Status)
			},
		})
		defer sub.Unsubscribe()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var server *http.Server
		if watchAddr != "" {
			router, err := watchRouter(reg, feed, e)
			if err != nil {
				return err
			}
			server = &http.Server{Addr: watchAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				e.logger.Info("server listening", zap.String("addr", watchAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					e.logger.Error("server error", zap.Error(err))
					stop()
				}
			}()
		}

		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("failed to start feed: %w", err)
		}
		if watchOpen != 0 {
			if err := session.Open(ctx, watchOpen); err != nil {
				e.logger.Warn("open conversation failed", zap.Int64("conversation_id", watchOpen), zap.Error(err))
			}
		}
		fmt.Fprintf(os.Stderr, "Watching workspace %q over %s. Press Ctrl+C to stop.\n",
			e.workspace(), valueOrDefault(transport, "sse"))

		<-ctx.Done()

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				e.logger.Warn("server forced to shutdown", zap.Error(err))
			}
		}
		return session.Close()
	},
}

func watchRouter(reg *prometheus.Registry, feed *chatcore.Feed, e *env) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if feed.State() != chatcore.StateConnected {
			// Degraded: the poller still delivers events.
			status = http.StatusAccepted
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"feed":%q}`, feed.State())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	if secret := e.cfg.Realtime.WebhookSecret; secret != "" {
		receiver, err := chatcore.NewWebhookReceiver(secret, feed, e.logger)
		if err != nil {
			return nil, err
		}
		r.Method(http.MethodPost, "/webhook", receiver.HTTPHandler())
	}
	return r, nil
}
