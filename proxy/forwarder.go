package proxy

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arifur/strong-forward-gateway/balancer"
	"github.com/arifur/strong-forward-gateway/events"
	"github.com/arifur/strong-forward-gateway/middleware"
	"github.com/arifur/strong-forward-gateway/models"
	"github.com/arifur/strong-forward-gateway/routing"
	log "github.com/sirupsen/logrus"
)

// AttemptStore persists attempt checkpoints. The forwarder always asks for
// an immediate flush so in-flight attempts are visible.
type AttemptStore interface {
	Save(ctx context.Context, a *models.ForwardAttempt, flushNow bool) error
	Update(ctx context.Context, a *models.ForwardAttempt, flushNow bool) error
}

type nopStore struct{}

func (nopStore) Save(context.Context, *models.ForwardAttempt, bool) error   { return nil }
func (nopStore) Update(context.Context, *models.ForwardAttempt, bool) error { return nil }

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// Options wires an Orchestrator. Nil fields get working defaults.
type Options struct {
	Registry *middleware.Registry
	Selector *balancer.Selector
	Client   Client
	Attempts AttemptStore
	Events   events.Emitter
}

// Orchestrator forwards one matched request: middlewares, backend
// selection, the upstream call with retries or streaming, and fallback on
// any failure. Forward always produces a response.
type Orchestrator struct {
	registry *middleware.Registry
	selector *balancer.Selector
	client   Client
	executor *Executor
	fallback *Fallback
	attempts AttemptStore
	events   events.Emitter
	now      func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Registry == nil {
		opts.Registry = middleware.NewDefaultRegistry()
	}
	if opts.Selector == nil {
		opts.Selector = balancer.NewSelector(nil)
	}
	if opts.Client == nil {
		opts.Client = NewHTTPClient()
	}
	if opts.Attempts == nil {
		opts.Attempts = nopStore{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	return &Orchestrator{
		registry: opts.Registry,
		selector: opts.Selector,
		client:   opts.Client,
		executor: NewExecutor(opts.Client, opts.Events),
		fallback: NewFallback(opts.Client, opts.Events),
		attempts: opts.Attempts,
		events:   opts.Events,
		now:      time.Now,
	}
}

// Forward sends req upstream according to rule
func (o *Orchestrator) Forward(ctx context.Context, req *models.ProxyRequest, rule *models.Rule) *models.ProxyResponse {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	o.events.Emit(ctx, events.TypeBeforeForward, payload(rule, req))

	chain := o.registry.ChainFor(rule)
	configs := rule.MiddlewareConfigs()
	attempt := models.NewForwardAttempt(req, o.now())
	attempt.AttachRule(rule)
	attempt.MiddlewaresUsed = chain.Names()

	if ShouldStream(rule, req) {
		return o.forwardStream(ctx, req, rule, chain, configs, attempt)
	}

	resp, err := o.forwardBuffered(ctx, req, rule, chain, configs, attempt)
	if err != nil {
		return o.fail(ctx, req, rule, attempt, err)
	}

	p := payload(rule, req)
	p.BackendName = attempt.BackendName
	p.StatusCode = resp.StatusCode
	p.DurationMs = derefMs(attempt.DurationMs)
	o.events.Emit(ctx, events.TypeAfterForward, p)
	return resp
}

// dispatch runs the request phase, picks the backend and checkpoints the
// attempt as pending then sending.
func (o *Orchestrator) dispatch(ctx context.Context, req *models.ProxyRequest, rule *models.Rule, chain *middleware.Chain, configs map[string]map[string]any, attempt *models.ForwardAttempt) (*models.Backend, string, error) {
	if err := chain.ProcessRequest(ctx, req, attempt, configs); err != nil {
		return nil, "", err
	}

	backend, err := o.selector.Select(rule, req)
	if err != nil {
		var nhb *balancer.NoHealthyBackendError
		if errors.As(err, &nhb) {
			attempt.FallbackDetails = map[string]any{
				"reason":           "no_healthy_backend",
				"total_backends":   nhb.Total,
				"healthy_backends": nhb.Healthy,
			}
		}
		return nil, "", err
	}

	target, err := routing.BuildTargetURL(req, rule, backend)
	if err != nil {
		return nil, "", err
	}

	attempt.AttachBackend(backend, rule.HealthyBackends())
	attempt.TargetURL = target
	attempt.SetProcessedRequest(req)
	o.save(ctx, attempt)

	attempt.MarkSending(o.now())
	o.update(ctx, attempt)
	return backend, target, nil
}

func (o *Orchestrator) forwardBuffered(ctx context.Context, req *models.ProxyRequest, rule *models.Rule, chain *middleware.Chain, configs map[string]map[string]any, attempt *models.ForwardAttempt) (*models.ProxyResponse, error) {
	backend, target, err := o.dispatch(ctx, req, rule, chain, configs, attempt)
	if err != nil {
		return nil, err
	}

	release := o.selector.Tracker().Acquire(backend.ID)
	defer release()

	// the rule timeout applies to this call only
	call := *backend
	if rule.TimeoutSeconds > 0 {
		call.TimeoutSeconds = rule.TimeoutSeconds
	}

	up, err := o.executor.Execute(ctx, rule, &call, attempt, req, target)
	if err != nil {
		return nil, err
	}

	header := up.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	stripHopHeaders(header)
	resp := models.NewProxyResponse(up.StatusCode, header, up.Body)
	if err := chain.ProcessResponse(ctx, resp, configs); err != nil {
		return nil, err
	}

	attempt.SetResponse(resp.StatusCode, resp.Header, resp.Body)
	attempt.Complete(o.now())
	o.update(ctx, attempt)
	return resp, nil
}

func (o *Orchestrator) forwardStream(ctx context.Context, req *models.ProxyRequest, rule *models.Rule, chain *middleware.Chain, configs map[string]map[string]any, attempt *models.ForwardAttempt) *models.ProxyResponse {
	eventStream := IsEventStreamRequest(req)

	backend, target, err := o.dispatch(ctx, req, rule, chain, configs, attempt)
	if err != nil {
		return o.fail(ctx, req, rule, attempt, err)
	}

	release := o.selector.Tracker().Acquire(backend.ID)
	timeout := rule.Timeout()
	if timeout <= 0 {
		timeout = backend.Timeout()
	}
	up, err := o.client.Stream(ctx, &OutboundRequest{
		Method: req.Method,
		URL:    target,
		Header: outboundHeaders(attempt),
		Body:   req.Body,
	}, StreamOptions{HeaderTimeout: timeout, ChunkSize: rule.BufferSize})
	if err != nil {
		release()
		serr := &StreamError{Setup: true, Err: err}
		log.WithFields(log.Fields{"rule": rule.Name, "backend": backend.Name}).Errorf("Stream setup failed: %v", err)
		attempt.ResponseStatus = http.StatusBadGateway
		attempt.Fail(o.now(), serr.Error())
		o.update(ctx, attempt)
		return setupErrorResponse(eventStream, serr)
	}

	head := models.NewProxyResponse(up.StatusCode, streamHeaders(up.Header, eventStream), nil)
	if err := chain.ProcessResponse(ctx, head, configs); err != nil {
		up.Close()
		release()
		return o.fail(ctx, req, rule, attempt, err)
	}

	write := func(ctx context.Context, w http.ResponseWriter) {
		defer release()
		defer up.Close()
		// persistence must outlive a departed client
		store := context.WithoutCancel(ctx)

		snippet := &capture{limit: models.MaxBodySnippet}
		err := pump(ctx, w, up, snippet, func() {
			if attempt.MarkFirstByte(o.now()) {
				o.update(store, attempt)
			}
		})

		attempt.SetResponse(head.StatusCode, head.Header, snippet.buf.Bytes())
		attempt.ResponseSize = snippet.total

		switch {
		case err == nil:
			attempt.Complete(o.now())
			o.update(store, attempt)
			p := payload(rule, req)
			p.BackendName = backend.Name
			p.StatusCode = head.StatusCode
			p.DurationMs = derefMs(attempt.DurationMs)
			o.events.Emit(store, events.TypeAfterForward, p)

		case errors.Is(err, ErrClientAborted):
			log.WithFields(log.Fields{"rule": rule.Name, "backend": backend.Name}).Info("Client left during stream")
			attempt.Fail(o.now(), err.Error())
			o.update(store, attempt)

		default:
			log.WithFields(log.Fields{"rule": rule.Name, "backend": backend.Name}).Errorf("Stream interrupted: %v", err)
			attempt.ResponseStatus = http.StatusBadGateway
			attempt.Fail(o.now(), err.Error())
			o.update(store, attempt)
			if eventStream {
				w.Write(sseErrorFrame(err.Error()))
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}

	discard := func() {
		up.Close()
		release()
		attempt.Fail(o.now(), ErrClientAborted.Error())
		o.update(context.WithoutCancel(ctx), attempt)
	}

	return models.NewStreamResponse(head.StatusCode, head.Header, write, discard)
}

// fail finalizes the attempt as failed and serves the rule's fallback
func (o *Orchestrator) fail(ctx context.Context, req *models.ProxyRequest, rule *models.Rule, attempt *models.ForwardAttempt, cause error) *models.ProxyResponse {
	log.WithFields(log.Fields{
		"rule":    rule.Name,
		"backend": attempt.BackendName,
		"method":  req.Method,
		"path":    req.Path,
	}).Errorf("Forward failed: %v", cause)

	if !attempt.Status.Final() {
		attempt.Fail(o.now(), cause.Error())
	}

	resp, details := o.fallback.Respond(ctx, rule, req, cause)
	attempt.FallbackUsed = true
	if attempt.FallbackDetails == nil {
		attempt.FallbackDetails = make(map[string]any, len(details))
	}
	for k, v := range details {
		attempt.FallbackDetails[k] = v
	}
	attempt.ResponseStatus = resp.StatusCode

	if attempt.ID == 0 {
		o.save(ctx, attempt)
	} else {
		o.update(ctx, attempt)
	}
	return resp
}

func (o *Orchestrator) save(ctx context.Context, a *models.ForwardAttempt) {
	if err := o.attempts.Save(ctx, a, true); err != nil {
		log.Errorf("Error saving forward attempt: %v", err)
	}
}

func (o *Orchestrator) update(ctx context.Context, a *models.ForwardAttempt) {
	if err := o.attempts.Update(ctx, a, true); err != nil {
		log.Errorf("Error updating forward attempt %d: %v", a.ID, err)
	}
}

func payload(rule *models.Rule, req *models.ProxyRequest) events.Payload {
	return events.Payload{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Method:   req.Method,
		Path:     req.Path,
		ClientIP: req.ClientIP,
	}
}

func derefMs(ms *int64) int64 {
	if ms == nil {
		return 0
	}
	return *ms
}
