// Package supervisor wires the bridge together and owns its lifecycle: the
// socket to the server, the HTTP surface, the pipeline, and shutdown.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/api"
	"github.com/bridgekit/bridgekit/internal/bridge/backend"
	"github.com/bridgekit/bridgekit/internal/bridge/concurrency"
	"github.com/bridgekit/bridgekit/internal/bridge/contextbuilder"
	"github.com/bridgekit/bridgekit/internal/bridge/handler"
	"github.com/bridgekit/bridgekit/internal/bridge/humaninput"
	"github.com/bridgekit/bridgekit/internal/bridge/logs"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline"
	"github.com/bridgekit/bridgekit/internal/bridge/pipeline/stages"
	"github.com/bridgekit/bridgekit/internal/bridge/pool"
	"github.com/bridgekit/bridgekit/internal/bridge/serverapi"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/bridge/socket"
	"github.com/bridgekit/bridgekit/internal/common/config"
	"github.com/bridgekit/bridgekit/internal/common/logger"
	"github.com/bridgekit/bridgekit/internal/events/bus"
	"github.com/bridgekit/bridgekit/internal/taskqueue"
	"github.com/bridgekit/bridgekit/pkg/wire"
)

// newTaskQueue builds the paused-session queue from configuration.
func newTaskQueue(cfg *config.Config) *taskqueue.Queue {
	return taskqueue.New(cfg.Session.TaskQueueCap)
}

// Supervisor owns every long-lived component of the bridge.
type Supervisor struct {
	cfg    *config.Config
	logger *logger.Logger

	bus         bus.EventBus
	store       *session.Store
	concurrency *concurrency.Manager
	pool        *pool.Pool
	handler     *handler.Handler
	client      *socket.Client
	sockets     *socket.Manager
	recorder    *logs.Recorder
	human       *humaninput.Coordinator
	httpServer  *http.Server

	bridgeID string

	hbMu   sync.Mutex
	hbStop chan struct{}
}

// New builds the bridge from configuration. It fails on unknown backends
// and, in container mode, on missing backend credentials.
func New(cfg *config.Config, log *logger.Logger) (*Supervisor, error) {
	bridgeID := cfg.Gateway.BridgeID
	if bridgeID == "" {
		bridgeID = "bridge-" + uuid.New().String()[:8]
	}

	eventBus, err := bus.Provider(cfg.NATS, log)
	if err != nil {
		return nil, fmt.Errorf("creating event bus: %w", err)
	}

	b, err := backend.New(cfg.Backends.Default, &cfg.Backends)
	if err != nil {
		return nil, err
	}
	if err := b.CheckCredentials(cfg.Gateway.ContainerMode); err != nil {
		if !backend.IsCredentialsWarning(err) {
			return nil, err
		}
		log.Warn("backend credentials missing", zap.Error(err))
	}

	store := session.NewStore(cfg.Session.EventCap, log)
	cm := concurrency.NewManager(log)
	assistants := pool.NewPool(&cfg.Backends, log)
	server := serverapi.NewClient(cfg.Gateway.APIBaseURL, log)
	builder := contextbuilder.NewBuilder(server, log)

	dispatcher := wire.NewDispatcher()
	client := socket.NewClient(cfg.Gateway.SocketURL, dispatcher, log)

	deps := &pipeline.Deps{
		Store:          store,
		Concurrency:    cm,
		Pool:           assistants,
		ContextBuilder: builder,
		Emitter:        client,
		Bus:            eventBus,
		Config:         cfg,
		Logger:         log,
	}
	pipe := pipeline.New(deps,
		stages.NewAcquireLock(cfg.Pipeline.AcquireTimeoutDuration()),
		stages.NewCheckContextInjection(),
		stages.NewInjectContext(),
		stages.NewStreamResponse(),
		stages.NewFinalize(cfg.Pipeline.FinalizeTimeoutDuration()),
	)

	queue := newTaskQueue(cfg)
	h := handler.New(store, cm, assistants, pipe, client, server, queue, cfg.Pipeline.AcquireTimeoutDuration(), log)

	recorder := logs.NewRecorder(logs.DefaultCap, log)
	human := humaninput.NewCoordinator(client, log)

	apiServer := api.NewServer(store, recorder, human, cfg.Gateway.ContainerMode, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	return &Supervisor{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		bus:         eventBus,
		store:       store,
		concurrency: cm,
		pool:        assistants,
		handler:     h,
		client:      client,
		sockets:     socket.NewManager(log),
		recorder:    recorder,
		human:       human,
		httpServer:  httpServer,
		bridgeID:    bridgeID,
	}, nil
}

// Run starts the bridge and blocks until ctx is cancelled, then shuts
// down. A shutdown that exceeds the configured grace period force-exits
// with code 1.
func (s *Supervisor) Run(ctx context.Context) error {
	log := s.logger

	if err := s.recorder.Attach(s.bus); err != nil {
		return fmt.Errorf("attaching log recorder: %w", err)
	}

	s.pool.Start()

	s.client.OnConnect(func() { s.onSocketConnect(ctx) })
	s.client.OnDisconnect(func() { s.sockets.Disconnect() })
	go s.client.Run(ctx)

	httpErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()

	log.Info("bridge started",
		zap.String("bridge_id", s.bridgeID),
		zap.String("backend", s.cfg.Backends.Default),
		zap.String("gateway", s.cfg.Gateway.SocketURL))

	select {
	case err := <-httpErr:
		s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		s.shutdown()
		return nil
	}
}

// onSocketConnect registers this connection with the server and restarts
// the heartbeat.
func (s *Supervisor) onSocketConnect(ctx context.Context) {
	socketID := uuid.New().String()

	handlers := map[string]wire.HandlerFunc{
		wire.EventSessionMessage:            s.onSessionMessage(ctx),
		wire.EventSessionStop:               s.onSessionStop,
		wire.EventSessionPause:              s.onSessionPause,
		wire.EventSessionResume:             s.onSessionResume(ctx),
		wire.EventSessionHumanInputResponse: s.onHumanInputResponse,
	}
	s.sockets.Connect(s.client, socketID, handlers, s.stopHeartbeat)

	err := s.client.Emit(wire.EventBridgeRegister, wire.RegisterPayload{
		BridgeID: s.bridgeID,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed emitting bridge registration")
	}

	s.startHeartbeat()
}

// onSessionMessage runs each inbound message asynchronously; a turn can
// take minutes and must not stall the read pump.
func (s *Supervisor) onSessionMessage(ctx context.Context) wire.HandlerFunc {
	return func(_ context.Context, msg *wire.Message) error {
		var payload wire.SessionMessagePayload
		if err := msg.ParsePayload(&payload); err != nil {
			return err
		}
		if payload.SessionID == "" {
			s.logger.Warn("session message without session id")
			return nil
		}
		go func() {
			if err := s.handler.HandleSessionMessage(ctx, payload); err != nil {
				s.logger.WithError(err).Debug("session message failed",
					zap.String("session_id", payload.SessionID))
			}
		}()
		return nil
	}
}

func (s *Supervisor) onSessionStop(ctx context.Context, msg *wire.Message) error {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return err
	}
	return s.handler.HandleSessionStop(ctx, payload.SessionID)
}

func (s *Supervisor) onSessionPause(ctx context.Context, msg *wire.Message) error {
	var payload struct {
		SessionID string `json:"sessionId"`
	}
	if err := msg.ParsePayload(&payload); err != nil {
		return err
	}
	return s.handler.HandleSessionPause(ctx, payload.SessionID)
}

func (s *Supervisor) onSessionResume(ctx context.Context) wire.HandlerFunc {
	return func(_ context.Context, msg *wire.Message) error {
		var payload struct {
			SessionID string `json:"sessionId"`
		}
		if err := msg.ParsePayload(&payload); err != nil {
			return err
		}
		go func() {
			if err := s.handler.HandleSessionResume(ctx, payload.SessionID); err != nil {
				s.logger.WithError(err).Debug("session resume failed",
					zap.String("session_id", payload.SessionID))
			}
		}()
		return nil
	}
}

func (s *Supervisor) onHumanInputResponse(_ context.Context, msg *wire.Message) error {
	var payload wire.HumanInputResponsePayload
	if err := msg.ParsePayload(&payload); err != nil {
		return err
	}
	s.human.Fulfil(payload.RequestID, payload.Value)
	return nil
}

// startHeartbeat emits bridge:heartbeat immediately and then on the
// configured interval, until stopped.
func (s *Supervisor) startHeartbeat() {
	s.hbMu.Lock()
	if s.hbStop != nil {
		close(s.hbStop)
	}
	stop := make(chan struct{})
	s.hbStop = stop
	s.hbMu.Unlock()

	interval := s.cfg.Pipeline.HeartbeatIntervalDuration()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.emitHeartbeat()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.emitHeartbeat()
			}
		}
	}()
}

// stopHeartbeat halts the heartbeat goroutine. Safe when none is running.
func (s *Supervisor) stopHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if s.hbStop != nil {
		close(s.hbStop)
		s.hbStop = nil
	}
}

func (s *Supervisor) emitHeartbeat() {
	err := s.client.Emit(wire.EventBridgeHeartbeat, wire.HeartbeatPayload{
		ActiveMessageIDs: s.concurrency.ActiveMessageIDs(),
	})
	if err != nil {
		s.logger.WithError(err).Debug("failed emitting heartbeat")
	}
}

// shutdown stops accepting work and tears components down in order. The
// grace timer force-exits if anything hangs.
func (s *Supervisor) shutdown() {
	log := s.logger
	log.Info("shutting down")

	grace := s.cfg.Pipeline.ShutdownGraceDuration()
	force := time.AfterFunc(grace, func() {
		log.Error("shutdown exceeded grace period, forcing exit",
			zap.Duration("grace", grace))
		os.Exit(1)
	})
	defer force.Stop()

	s.stopHeartbeat()
	s.sockets.Disconnect()
	_ = s.client.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	_ = s.pool.Stop(shutdownCtx)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http server shutdown failed")
	}

	s.recorder.Close()
	s.bus.Close()
	log.Info("shutdown complete")
}
