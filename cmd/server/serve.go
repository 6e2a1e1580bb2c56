package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"whatsapp-bridge/internal/auth"
	"whatsapp-bridge/internal/authstate"
	"whatsapp-bridge/internal/bridge"
	"whatsapp-bridge/internal/channel/whatsmeow"
	"whatsapp-bridge/internal/metrics"
	"whatsapp-bridge/internal/notify"
	"whatsapp-bridge/internal/prediction"
	"whatsapp-bridge/internal/server"
	"whatsapp-bridge/internal/session"
	"whatsapp-bridge/internal/socketio"
	"whatsapp-bridge/internal/store"
)

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	db, err := store.Open(cfg.DBDialect, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if cfg.AutoMigrate {
		if err := store.Migrate(db, cfg.CredentialTable); err != nil {
			return err
		}
	}
	st := store.NewGorm(db, cfg.CredentialTable)

	if cfg.WAStoreDSN == "" {
		return errors.New("WA_STORE_DSN is required unless DB_DIALECT is postgres")
	}
	connector, err := whatsmeow.Open(ctx, cfg.WAStoreDSN)
	if err != nil {
		return err
	}
	defer connector.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	flowise := prediction.NewClient(cfg.PredictionBaseURL, cfg.PredictionAPIKey, cfg.PredictionTimeout)
	messages := bridge.New(bridge.Deps{
		Sessions:  st.Sessions(),
		Policy:    flowise,
		Predictor: flowise,
		Metrics:   m,
	})

	authorizer := auth.NewAuthorizer(tokenConfig(cfg), st.Users())
	sio := socketio.NewServer(socketio.Deps{Authorizer: authorizer})

	notifiers := notify.Multi{sio}
	if cfg.NATSURL != "" {
		nc, err := notify.NewNATS(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			return err
		}
		defer nc.Close()
		notifiers = append(notifiers, nc)
	}

	policy := session.DefaultPolicy()
	policy.InitialDelay = cfg.ReconnectInitialDelay
	policy.MaxDelay = cfg.ReconnectMaxDelay
	policy.MaxRetries = cfg.ReconnectMaxRetries

	registry := session.NewRegistry(session.Deps{
		Sessions:              st.Sessions(),
		Credentials:           authstate.NewAdapter(st.Credentials()),
		Connector:             connector,
		Notifier:              notifiers,
		Messages:              messages,
		Metrics:               m,
		Policy:                policy,
		ActivationConcurrency: cfg.ActivationConcurrency,
	})
	sio.SetLinker(registry)

	n, err := registry.ActivateAll(ctx)
	if err != nil {
		log.WithError(err).Warn("Some sessions failed to activate")
	}
	log.WithField("sessions", n).Info("Activated stored sessions")

	router := server.NewRouter(server.Deps{
		Authorizer: authorizer,
		Registry:   registry,
		Sessions:   st.Sessions(),
		SocketIO:   sio,
		Notifier:   notifiers,
		Metrics:    m,
	})

	log.WithField("port", cfg.Port).Info("Listening")
	serveErr := server.Run(ctx, cfg, router)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Session shutdown incomplete")
	}
	return serveErr
}
