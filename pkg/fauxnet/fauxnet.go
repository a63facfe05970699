// Package fauxnet simulates the internet for malware detonation: fake
// DNS, HTTP(S), mail, FTP, and catch-all responders, with optional
// iptables redirection so samples reach them transparently.
package fauxnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the orchestrator lifecycle phase.
type State int

const (
	StateStopped State = iota
	StateBinding
	StateRulesApplying
	StateRunning
	StateDraining
	StateRulesRemoving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateBinding:
		return "binding"
	case StateRulesApplying:
		return "applying rules"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateRulesRemoving:
		return "removing rules"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ruleApplier is what the orchestrator needs from the rule layer.
// Narrowed to an interface so lifecycle tests run without root.
type ruleApplier interface {
	Apply(ctx context.Context, plan RedirectPlan) error
	Remove(ctx context.Context) error
}

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	State      State
	Responders map[string]Health
}

// Orchestrator owns the full service set and the redirect rules. It
// enforces the one ordering that keeps the system safe: sockets are
// listening before traffic is steered at them, and traffic is steered
// away before sockets close.
type Orchestrator struct {
	mu         sync.Mutex
	cfg        Config
	log        *logrus.Logger
	state      State
	started    bool // a Start has consumed the responder set
	responders []Responder
	health     map[string]Health
	rules      ruleApplier
}

// New assembles an orchestrator from validated configuration. Responder
// construction can fail (artifact directories), rule installation cannot
// happen before Start.
func New(cfg Config, log *logrus.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:    cfg,
		log:    log,
		state:  StateStopped,
		health: make(map[string]Health),
	}
	if cfg.AutoRedirect {
		o.rules = NewRuleController(cfg.Mode, cfg.Interface, log)
	}
	responders, err := buildResponders(cfg, log)
	if err != nil {
		return nil, err
	}
	o.responders = responders
	for _, r := range o.responders {
		o.health[r.Name()] = Health{State: HealthNotStarted}
	}
	return o, nil
}

// buildResponders constructs the enabled responder set in start order.
// Responders are single-use, so Start rebuilds the set on every run.
func buildResponders(cfg Config, log *logrus.Logger) ([]Responder, error) {
	var responders []Responder
	if cfg.DNS.Enabled {
		responders = append(responders, NewDNSResponder(cfg.DNS, cfg.BindIP, log))
	}
	if cfg.HTTP.Enabled {
		responders = append(responders, NewHTTPResponder(cfg.HTTP, cfg.BindIP, log))
	}
	if cfg.HTTPS.Enabled {
		responders = append(responders, NewHTTPSResponder(cfg.HTTPS, cfg.BindIP, log))
	}
	if cfg.SMTP.Enabled {
		smtp, err := NewSMTPResponder(cfg.SMTP, cfg.BindIP, log)
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		responders = append(responders, smtp)
	}
	if cfg.POP3.Enabled {
		responders = append(responders, NewPOP3Responder(cfg.POP3, cfg.BindIP, log))
	}
	if cfg.IMAP.Enabled {
		responders = append(responders, NewIMAPResponder(cfg.IMAP, cfg.BindIP, log))
	}
	if cfg.FTP.Enabled {
		ftp, err := NewFTPResponder(cfg.FTP, cfg.BindIP, log)
		if err != nil {
			return nil, fmt.Errorf("ftp: %w", err)
		}
		responders = append(responders, ftp)
	}
	if cfg.CatchAll.TCPEnabled {
		responders = append(responders, NewCatchAllTCPResponder(cfg.CatchAll, cfg.BindIP, log))
	}
	if cfg.CatchAll.UDPEnabled {
		responders = append(responders, NewCatchAllUDPResponder(cfg.CatchAll, cfg.BindIP, log))
	}
	return responders, nil
}

// Start binds every responder, steers traffic at them, and begins
// serving. All-or-nothing: any bind or rule failure unwinds everything
// already done and leaves the host untouched.
//
// Sockets bind before rules install. The other order would redirect
// live traffic into a connection-refused hole.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateStopped && o.state != StateFailed {
		return ErrAlreadyRunning
	}

	// Responders do not survive Stop; build a fresh set unless this is
	// the set New constructed and nothing has run yet.
	if o.started {
		responders, err := buildResponders(o.cfg, o.log)
		if err != nil {
			o.state = StateFailed
			return err
		}
		o.responders = responders
	}
	o.started = true

	o.state = StateBinding
	var bound []Responder
	for _, r := range o.responders {
		if err := r.Bind(); err != nil {
			bindErr := &BindError{Responder: r.Name(), Addr: o.cfg.BindIP, Err: err}
			o.log.WithError(err).WithField("service", r.Name()).Error("bind failed, unwinding")
			o.unwindLocked(ctx, bound)
			o.health[r.Name()] = Health{State: HealthFailed, Err: bindErr}
			o.state = StateFailed
			return bindErr
		}
		bound = append(bound, r)
	}

	if o.rules != nil {
		o.state = StateRulesApplying
		if err := o.rules.Apply(ctx, o.redirectPlan()); err != nil {
			o.log.WithError(err).Error("rule install failed, unwinding")
			o.unwindLocked(ctx, bound)
			o.state = StateFailed
			return err
		}
	}

	for _, r := range o.responders {
		r.Serve()
		o.health[r.Name()] = Health{State: HealthRunning}
	}
	o.state = StateRunning
	o.log.WithField("responders", len(o.responders)).Info("fauxnet running")
	return nil
}

// Stop steers traffic away, then drains responders until the context
// expires, then force-closes stragglers. Stopping a stopped
// orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateRunning {
		return nil
	}
	o.state = StateDraining

	// Rules come out first so in-flight sessions can finish without new
	// traffic arriving behind them.
	if o.rules != nil {
		o.state = StateRulesRemoving
		if err := o.rules.Remove(ctx); err != nil {
			o.log.WithError(err).Warn("rule removal incomplete")
		}
	}

	var firstErr error
	for _, r := range o.responders {
		if err := r.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping %s: %w", r.Name(), err)
		}
		o.health[r.Name()] = Health{State: HealthNotStarted}
	}

	o.state = StateStopped
	o.log.Info("fauxnet stopped")
	return firstErr
}

// Status reports the current lifecycle state and per-responder health.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	health := make(map[string]Health, len(o.health))
	for k, v := range o.health {
		health[k] = v
	}
	return Status{State: o.state, Responders: health}
}

// redirectPlan assembles the rule set from the bound responders.
// Named-service redirections keep responder order; catch-all entries are
// split out so the controller can install them last.
func (o *Orchestrator) redirectPlan() RedirectPlan {
	plan := RedirectPlan{ExcludedPorts: o.cfg.ExcludedPorts}
	for _, r := range o.responders {
		for _, p := range r.RedirectPorts() {
			switch {
			case p.CatchAll && p.Proto == "tcp":
				plan.CatchAllTCP = p.Target
			case p.CatchAll && p.Proto == "udp":
				plan.CatchAllUDP = p.Target
			default:
				plan.Ports = append(plan.Ports, p)
			}
		}
	}
	return plan
}

// unwindLocked closes already-bound responders after a partial start.
// Caller holds mu.
func (o *Orchestrator) unwindLocked(ctx context.Context, bound []Responder) {
	for i := len(bound) - 1; i >= 0; i-- {
		if err := bound[i].Stop(ctx); err != nil {
			o.log.WithError(err).WithField("service", bound[i].Name()).Warn("unwind close failed")
		}
	}
}
