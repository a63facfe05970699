package fauxnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// eventLog records lifecycle calls across fakes so tests can assert
// ordering between responders and the rule layer.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) record(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeResponder struct {
	name    string
	events  *eventLog
	bindErr error
	ports   []RedirectPort
}

func (f *fakeResponder) Name() string { return f.name }

func (f *fakeResponder) Bind() error {
	f.events.record("bind:" + f.name)
	return f.bindErr
}

func (f *fakeResponder) Serve() { f.events.record("serve:" + f.name) }

func (f *fakeResponder) Stop(ctx context.Context) error {
	f.events.record("stop:" + f.name)
	return nil
}

func (f *fakeResponder) RedirectPorts() []RedirectPort { return f.ports }

type fakeRules struct {
	events    *eventLog
	applyErr  error
	lastPlan  RedirectPlan
	removeErr error
}

func (f *fakeRules) Apply(ctx context.Context, plan RedirectPlan) error {
	f.events.record("rules:apply")
	f.lastPlan = plan
	return f.applyErr
}

func (f *fakeRules) Remove(ctx context.Context) error {
	f.events.record("rules:remove")
	return f.removeErr
}

func newTestOrchestrator(events *eventLog, responders []Responder, rules ruleApplier) *Orchestrator {
	// started stays false so Start does not rebuild over the fakes.
	o := &Orchestrator{
		log:        testLogger(),
		state:      StateStopped,
		responders: responders,
		health:     make(map[string]Health),
		rules:      rules,
	}
	for _, r := range responders {
		o.health[r.Name()] = Health{State: HealthNotStarted}
	}
	return o
}

func TestOrchestratorLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("start_binds_before_rules_before_serve", func(t *testing.T) {
		events := &eventLog{}
		a := &fakeResponder{name: "a", events: events}
		b := &fakeResponder{name: "b", events: events}
		rules := &fakeRules{events: events}
		o := newTestOrchestrator(events, []Responder{a, b}, rules)

		require.NoError(t, o.Start(context.Background()))
		assert.Equal(t, []string{
			"bind:a", "bind:b", "rules:apply", "serve:a", "serve:b",
		}, events.snapshot())
		assert.Equal(t, StateRunning, o.Status().State)
	})

	t.Run("start_twice_returns_already_running", func(t *testing.T) {
		events := &eventLog{}
		o := newTestOrchestrator(events, []Responder{&fakeResponder{name: "a", events: events}}, &fakeRules{events: events})

		require.NoError(t, o.Start(context.Background()))
		err := o.Start(context.Background())
		assert.ErrorIs(t, err, ErrAlreadyRunning)
	})

	t.Run("bind_failure_unwinds_bound_responders", func(t *testing.T) {
		events := &eventLog{}
		a := &fakeResponder{name: "a", events: events}
		b := &fakeResponder{name: "b", events: events, bindErr: errors.New("port taken")}
		rules := &fakeRules{events: events}
		o := newTestOrchestrator(events, []Responder{a, b}, rules)

		err := o.Start(context.Background())
		require.Error(t, err)

		var bindErr *BindError
		require.ErrorAs(t, err, &bindErr)
		assert.Equal(t, "b", bindErr.Responder)

		// a was bound and must be closed; rules were never touched.
		assert.Equal(t, []string{"bind:a", "bind:b", "stop:a"}, events.snapshot())
		assert.Equal(t, StateFailed, o.Status().State)
		assert.Equal(t, HealthFailed, o.Status().Responders["b"].State)
	})

	t.Run("rule_failure_unwinds_all_responders", func(t *testing.T) {
		events := &eventLog{}
		a := &fakeResponder{name: "a", events: events}
		rules := &fakeRules{events: events, applyErr: errors.New("iptables broke")}
		o := newTestOrchestrator(events, []Responder{a}, rules)

		err := o.Start(context.Background())
		require.Error(t, err)
		assert.Equal(t, []string{"bind:a", "rules:apply", "stop:a"}, events.snapshot())
		assert.Equal(t, StateFailed, o.Status().State)
	})

	t.Run("stop_removes_rules_before_stopping_responders", func(t *testing.T) {
		events := &eventLog{}
		a := &fakeResponder{name: "a", events: events}
		rules := &fakeRules{events: events}
		o := newTestOrchestrator(events, []Responder{a}, rules)

		require.NoError(t, o.Start(context.Background()))
		require.NoError(t, o.Stop(context.Background()))

		got := events.snapshot()
		assert.Equal(t, []string{
			"bind:a", "rules:apply", "serve:a", "rules:remove", "stop:a",
		}, got)
		assert.Equal(t, StateStopped, o.Status().State)
		assert.Equal(t, HealthNotStarted, o.Status().Responders["a"].State)
	})

	t.Run("stop_when_stopped_is_noop", func(t *testing.T) {
		events := &eventLog{}
		o := newTestOrchestrator(events, nil, &fakeRules{events: events})
		require.NoError(t, o.Stop(context.Background()))
		assert.Empty(t, events.snapshot())
	})

	t.Run("rule_removal_failure_still_stops_responders", func(t *testing.T) {
		events := &eventLog{}
		a := &fakeResponder{name: "a", events: events}
		rules := &fakeRules{events: events, removeErr: errors.New("restore failed")}
		o := newTestOrchestrator(events, []Responder{a}, rules)

		require.NoError(t, o.Start(context.Background()))
		require.NoError(t, o.Stop(context.Background()))
		assert.Contains(t, events.snapshot(), "stop:a")
		assert.Equal(t, StateStopped, o.Status().State)
	})
}

func TestOrchestratorRedirectPlan(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	dns := &fakeResponder{name: "dns", events: events, ports: []RedirectPort{
		{Proto: "udp", Port: 53, Target: 5353},
		{Proto: "tcp", Port: 53, Target: 5353},
	}}
	catchTCP := &fakeResponder{name: "catchall-tcp", events: events, ports: []RedirectPort{
		{Proto: "tcp", Target: 9999, CatchAll: true},
	}}
	catchUDP := &fakeResponder{name: "catchall-udp", events: events, ports: []RedirectPort{
		{Proto: "udp", Target: 9998, CatchAll: true},
	}}
	rules := &fakeRules{events: events}
	o := newTestOrchestrator(events, []Responder{dns, catchTCP, catchUDP}, rules)
	o.cfg.ExcludedPorts = []uint16{22}

	require.NoError(t, o.Start(context.Background()))

	plan := rules.lastPlan
	assert.Equal(t, []RedirectPort{
		{Proto: "udp", Port: 53, Target: 5353},
		{Proto: "tcp", Port: 53, Target: 5353},
	}, plan.Ports)
	assert.Equal(t, uint16(9999), plan.CatchAllTCP)
	assert.Equal(t, uint16(9998), plan.CatchAllUDP)
	assert.Equal(t, []uint16{22}, plan.ExcludedPorts)
}

func TestOrchestratorWithoutAutoRedirect(t *testing.T) {
	t.Parallel()

	events := &eventLog{}
	a := &fakeResponder{name: "a", events: events}
	o := newTestOrchestrator(events, []Responder{a}, nil)

	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Stop(context.Background()))
	assert.Equal(t, []string{"bind:a", "serve:a", "stop:a"}, events.snapshot())
}

func TestNewBuildsEnabledResponders(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SMTP.MailDir = t.TempDir()
	cfg.FTP.UploadDir = t.TempDir()
	cfg.CatchAll.UDPEnabled = true

	o, err := New(cfg, testLogger())
	require.NoError(t, err)

	var names []string
	for _, r := range o.responders {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{
		"dns", "http", "https", "smtp", "pop3", "imap", "ftp",
		"catchall-tcp", "catchall-udp",
	}, names)

	st := o.Status()
	assert.Equal(t, StateStopped, st.State)
	for name, h := range st.Responders {
		assert.Equal(t, HealthNotStarted, h.State, name)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "failed", StateFailed.String())
}

// TestOrchestratorEndToEnd drives the real responder set (no fakes, no
// iptables) through a full start/serve/stop cycle.
func TestOrchestratorEndToEnd(t *testing.T) {
	t.Parallel()

	certPath, keyPath := writeTestCertPair(t, t.TempDir())

	cfg := DefaultConfig()
	cfg.BindIP = "127.0.0.1"
	cfg.AutoRedirect = false
	cfg.DNS.Port = 0
	cfg.HTTP.Port = 0
	cfg.HTTPS.Port = 0
	cfg.HTTPS.CertFile = certPath
	cfg.HTTPS.KeyFile = keyPath
	cfg.SMTP.Port = 0
	cfg.SMTP.MailDir = t.TempDir()
	cfg.POP3.Port = 0
	cfg.IMAP.Port = 0
	cfg.FTP.Port = 0
	cfg.FTP.UploadDir = t.TempDir()
	cfg.CatchAll.TCPPort = 0
	cfg.CatchAll.UDPPort = 0
	cfg.CatchAll.UDPEnabled = true

	o, err := New(cfg, testLogger())
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	st := o.Status()
	assert.Equal(t, StateRunning, st.State)
	for name, h := range st.Responders {
		assert.Equal(t, HealthRunning, h.State, name)
	}

	// Every bound TCP port must accept a connection while running.
	var tcpPorts []uint16
	for _, r := range o.responders {
		for _, p := range r.RedirectPorts() {
			if p.Proto == "tcp" {
				require.NotZero(t, p.Target, r.Name())
				tcpPorts = append(tcpPorts, p.Target)
			}
		}
	}
	for _, port := range tcpPorts {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
		require.NoError(t, err, "port %d", port)
		_ = conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Stop(ctx))
	assert.Equal(t, StateStopped, o.Status().State)

	// Listeners are gone after Stop.
	for _, port := range tcpPorts {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
		}
		assert.Error(t, err, "port %d still accepting", port)
	}
}
