package sipdialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/autodialer/internal/config"
)

// RegState is the registrar client's current status.
type RegState string

const (
	RegUnregistered RegState = "unregistered"
	RegRegistering  RegState = "registering"
	RegRegistered   RegState = "registered"
	RegFailed       RegState = "failed"
)

// Registrar keeps one REGISTER binding alive against the configured
// PBX, refreshing at 80% of the granted expiry and retrying failures
// on the fixed 5s/60s schedule.
type Registrar struct {
	cfg    config.SIPConfig
	ua     *sipgo.UserAgent
	client *sipgo.Client
	logger *slog.Logger

	mu        sync.RWMutex
	state     RegState
	lastError string
	expiresAt time.Time

	cancel context.CancelFunc
}

// NewRegistrar builds a registrar client bound to cfg. The caller owns
// the UserAgent/Client lifetime (shared with the dialer).
func NewRegistrar(cfg config.SIPConfig, ua *sipgo.UserAgent, client *sipgo.Client, logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{
		cfg:    cfg,
		ua:     ua,
		client: client,
		logger: logger.With("subsystem", "sip-registrar"),
		state:  RegUnregistered,
	}
}

// Start launches the registration loop in the background. Stop cancels
// it and best-effort un-registers.
func (r *Registrar) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.state = RegRegistering
	r.mu.Unlock()

	go r.loop(loopCtx)
}

// Stop cancels the registration loop and sends a best-effort
// Expires: 0 un-register.
func (r *Registrar) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer unregCancel()
	if _, err := r.sendRegister(unregCtx, 0); err != nil {
		r.logger.Warn("un-register failed", "error", err)
	}
}

// State returns the current registration status and last error, if any.
func (r *Registrar) State() (RegState, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.lastError
}

func (r *Registrar) loop(ctx context.Context) {
	expiry := r.cfg.RegisterExpires
	if expiry <= 0 {
		expiry = 300
	}

	bo := newBackoff()

	for {
		granted, err := r.sendRegister(ctx, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.next()
			r.mu.Lock()
			r.state = RegFailed
			r.lastError = err.Error()
			r.mu.Unlock()
			r.logger.Error("registration failed", "error", err, "retry_in", delay.String())

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo = newBackoff()
		r.mu.Lock()
		r.state = RegRegistered
		r.lastError = ""
		r.expiresAt = time.Now().Add(time.Duration(granted) * time.Second)
		r.mu.Unlock()
		r.logger.Info("registered", "expires_in", granted)

		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(refresh):
		}
	}
}

// sendRegister performs a single REGISTER, retrying once with digest
// credentials on a 401/407 challenge. expiry=0 sends an un-register.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.cfg.Server, r.cfg.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing registrar uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(r.cfg.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", fmt.Sprintf("%d", expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := awaitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}
		wwwAuth := res.GetHeader(authHeader)
		if wwwAuth == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(wwwAuth.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: r.cfg.Username,
			Password: r.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest response: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = awaitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode == 403 || res.StatusCode == 404 {
		return 0, fmt.Errorf("register rejected permanently: %d %s", res.StatusCode, res.Reason)
	}
	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseExpiresParam(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseIntHeader(expiresHdr.Value()); parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

func awaitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case res := <-tx.Responses():
		if res == nil {
			return nil, fmt.Errorf("transaction ended without response")
		}
		return res, nil
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated without final response")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func parseExpiresParam(contactValue string) int {
	idx := strings.Index(contactValue, "expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len("expires="):]
	end := strings.IndexAny(rest, ";, \t")
	if end >= 0 {
		rest = rest[:end]
	}
	return parseIntHeader(rest)
}

func parseIntHeader(s string) int {
	s = strings.TrimSpace(s)
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}
