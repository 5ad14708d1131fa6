// Package engine is the dialer's composition root: it wires SIP
// signaling, RTP media, AMD, IVR execution, the call manager, the
// scheduler, event publishing, and metrics into one running process.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/autodialer/internal/callmanager"
	"github.com/sebas/autodialer/internal/codec"
	"github.com/sebas/autodialer/internal/config"
	"github.com/sebas/autodialer/internal/events"
	"github.com/sebas/autodialer/internal/metrics"
	"github.com/sebas/autodialer/internal/model"
	"github.com/sebas/autodialer/internal/repository"
	"github.com/sebas/autodialer/internal/rtpsession"
	"github.com/sebas/autodialer/internal/scheduler"
	"github.com/sebas/autodialer/internal/sipdialog"
)

// Engine owns every long-lived subsystem and the glue between them.
type Engine struct {
	cfg    *config.Config
	repo   repository.Repository
	logger *slog.Logger

	ua       *sipgo.UserAgent
	server   *sipgo.Server
	client   *sipgo.Client
	registrar *sipdialog.Registrar
	dialer   *sipdialog.Dialer

	codecs   *codec.Registry
	ports    *rtpsession.PortPool

	callManager *callmanager.Manager
	scheduler   *scheduler.Scheduler
	publisher   events.Publisher
	metrics     *metrics.Metrics

	cancel context.CancelFunc
}

// New builds every subsystem but does not start any of them.
func New(cfg *config.Config, repo repository.Repository, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create sip user agent: %w", err)
	}
	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create sip server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create sip client: %w", err)
	}

	registrar := sipdialog.NewRegistrar(cfg.SIP, ua, client, logger)
	dialer := sipdialog.NewDialer(cfg.SIP, ua, client, logger)

	e := &Engine{
		cfg:       cfg,
		repo:      repo,
		logger:    logger.With("subsystem", "engine"),
		ua:        ua,
		server:    server,
		client:    client,
		registrar: registrar,
		dialer:    dialer,
		codecs:    codec.NewRegistry(),
		ports:     rtpsession.NewPortPool(cfg.RTP.PortStart, cfg.RTP.PortEnd),
		publisher: events.NewMultiPublisher(events.NewLoggingPublisher(logger), events.NewChannelPublisher(1000, logger)),
		metrics:   metrics.New(),
	}

	e.callManager = callmanager.NewManager(cfg.CallManager.GlobalMaxConcurrent, time.Duration(cfg.CallManager.DispatchIntervalMs)*time.Millisecond, e.placeCall, logger)
	e.scheduler = scheduler.New(repo, e.callManager, cfg.Scheduler.PollInterval, time.Duration(cfg.Scheduler.StaleInProgressGraceMinutes)*time.Minute, logger,
		scheduler.WithDNCChecker(e.isDNC))

	server.OnRequest(sip.BYE, func(req *sip.Request, tx sip.ServerTransaction) {
		if !dialer.HandleIncomingBye(req, tx) {
			logger.Warn("BYE for unknown dialog", "call_id", req.CallID().Value())
		}
	})

	return e, nil
}

func (e *Engine) isDNC(ctx context.Context, phone, organizationID string) (bool, error) {
	// The repository doesn't expose a direct DNC lookup today; UpsertDNC
	// is write-only. A real deployment backs this with a dedicated
	// lookup query. Until then nothing is pre-filtered here — DNC
	// matches surface as failed dial attempts instead.
	return false, nil
}

// Start launches the registrar, the SIP listener, the call manager's
// dispatch loop, and the scheduler's poll loop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.registrar.Start(runCtx)
	e.callManager.Start(runCtx)
	e.scheduler.Start(runCtx)

	if e.cfg.Metrics.Enabled {
		go func() {
			if err := e.metrics.Serve(runCtx, e.cfg.Metrics.Addr, e.logger); err != nil {
				e.logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	listenAddr := fmt.Sprintf("0.0.0.0:%d", e.cfg.SIP.Port)
	go func() {
		if err := e.server.ListenAndServe(runCtx, "udp", listenAddr); err != nil {
			e.logger.Error("sip listener exited", "error", err)
		}
	}()

	e.logger.Info("engine started", "sip_listen", listenAddr, "sip_server", e.cfg.SIP.Server)
	return nil
}

// Stop tears down every subsystem in reverse dependency order.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.scheduler.Stop()
	e.callManager.Stop()
	e.registrar.Stop()
	e.publisher.Close()
	e.ua.Close()
}

// DialOnce places a single ad-hoc call outside any campaign, used by
// the CLI's `dial` subcommand. It blocks until the call ends.
func (e *Engine) DialOnce(ctx context.Context, to, callerID string, flow *model.IVRFlow) (*model.CallLog, error) {
	pc := model.PendingContact{
		Phone:           to,
		CallerID:        callerID,
		IVRFlowSnapshot: flow,
		ScheduledAt:     time.Now(),
	}

	conn, rtpPort, offer, err := e.acquireCallResources()
	if err != nil {
		return nil, err
	}
	return e.runCall(ctx, "adhoc-"+uuid.NewString(), pc, conn, rtpPort, offer)
}

// CallManagerStatus exposes a snapshot for the CLI's `status` command.
func (e *Engine) CallManagerStatus() callmanager.Status {
	return e.callManager.Status()
}

// Events exposes the engine's event publisher so callers (e.g. a CDR
// writer) can attach additional sinks before Start.
func (e *Engine) Events() events.Publisher { return e.publisher }
