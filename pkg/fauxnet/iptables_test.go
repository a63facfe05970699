package fauxnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts subprocess outcomes and records every invocation.
type fakeRunner struct {
	calls     []fakeCall
	failMatch string // fail any call whose joined args contain this
	failAll   bool
}

type fakeCall struct {
	name  string
	args  []string
	stdin []byte
}

func (f *fakeRunner) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, fakeCall{name: name, args: args, stdin: stdin})
	joined := name + " " + strings.Join(args, " ")
	if f.failAll || (f.failMatch != "" && strings.Contains(joined, f.failMatch)) {
		return nil, errors.New("scripted failure")
	}
	if name == "iptables-save" {
		return []byte("*nat\nCOMMIT\n"), nil
	}
	return nil, nil
}

func (f *fakeRunner) installs() []fakeCall {
	var out []fakeCall
	for _, c := range f.calls {
		if c.name == "iptables" && len(c.args) > 2 && c.args[2] == "-A" {
			out = append(out, c)
		}
	}
	return out
}

func testRuleController(runner commandRunner, mode Mode, iface string) *RuleController {
	return &RuleController{
		runner: runner,
		log:    testLogger().WithField("component", "iptables"),
		mode:   mode,
		iface:  iface,
	}
}

func testPlan() RedirectPlan {
	return RedirectPlan{
		Ports: []RedirectPort{
			{Proto: "udp", Port: 53, Target: 5353},
			{Proto: "tcp", Port: 80, Target: 8080},
		},
		CatchAllTCP:   9999,
		CatchAllUDP:   9998,
		ExcludedPorts: []uint16{22},
	}
}

func TestRuleControllerApply(t *testing.T) {
	t.Parallel()

	t.Run("tags_every_rule", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")

		require.NoError(t, rc.Apply(context.Background(), testPlan()))

		installs := runner.installs()
		require.Len(t, installs, 5)
		for _, c := range installs {
			joined := strings.Join(c.args, " ")
			assert.Contains(t, joined, "-m comment --comment "+ruleTag, joined)
		}
	})

	t.Run("exclusions_precede_catch_all", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")

		require.NoError(t, rc.Apply(context.Background(), testPlan()))

		var order []string
		for _, c := range runner.installs() {
			joined := strings.Join(c.args, " ")
			switch {
			case strings.Contains(joined, "-j RETURN"):
				order = append(order, "exclude")
			case strings.Contains(joined, "--dport"):
				order = append(order, "service")
			default:
				order = append(order, "catchall")
			}
		}
		assert.Equal(t, []string{"service", "service", "exclude", "catchall", "catchall"}, order)
	})

	t.Run("loopback_uses_output_chain", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))
		for _, c := range runner.installs() {
			assert.Equal(t, "OUTPUT", c.args[3])
			assert.NotContains(t, strings.Join(c.args, " "), "-i ")
		}
	})

	t.Run("gateway_uses_prerouting_with_interface", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeGateway, "eth1")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))
		for _, c := range runner.installs() {
			joined := strings.Join(c.args, " ")
			assert.Equal(t, "PREROUTING", c.args[3])
			assert.Contains(t, joined, "-i eth1")
		}
	})

	t.Run("snapshots_before_first_rule", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))

		var names []string
		for _, c := range runner.calls {
			names = append(names, c.name)
		}
		require.GreaterOrEqual(t, len(names), 2)
		assert.Equal(t, "iptables", names[0]) // --version probe
		assert.Equal(t, "iptables-save", names[1])
	})

	t.Run("missing_iptables_reports_sentinel", func(t *testing.T) {
		runner := &fakeRunner{failAll: true}
		rc := testRuleController(runner, ModeLoopback, "")
		err := rc.Apply(context.Background(), testPlan())
		assert.ErrorIs(t, err, ErrIPTablesUnavailable)
	})

	t.Run("failure_rolls_back_installed_rules", func(t *testing.T) {
		// The catch-all tcp rule (REDIRECT without --dport) fails; the
		// three rules before it must be deleted again.
		runner := &fakeRunner{failMatch: "-p tcp -j REDIRECT"}
		rc := testRuleController(runner, ModeLoopback, "")

		err := rc.Apply(context.Background(), testPlan())
		require.Error(t, err)

		var ruleErr *RuleError
		require.ErrorAs(t, err, &ruleErr)

		var deletes int
		for _, c := range runner.calls {
			if c.name == "iptables" && len(c.args) > 2 && c.args[2] == "-D" {
				deletes++
			}
		}
		assert.Equal(t, 3, deletes)
		assert.Empty(t, rc.InstalledRules())
	})

	t.Run("installed_rules_reports_copies", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))

		rules := rc.InstalledRules()
		require.Len(t, rules, 5)
		rules[0][0] = "mutated"
		assert.NotEqual(t, "mutated", rc.InstalledRules()[0][0])
	})
}

func TestRuleControllerRemove(t *testing.T) {
	t.Parallel()

	t.Run("restores_snapshot_via_stdin", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))
		require.NoError(t, rc.Remove(context.Background()))

		last := runner.calls[len(runner.calls)-1]
		assert.Equal(t, "iptables-restore", last.name)
		assert.Equal(t, []byte("*nat\nCOMMIT\n"), last.stdin)
		assert.Empty(t, rc.InstalledRules())
	})

	t.Run("idempotent_when_nothing_installed", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Remove(context.Background()))
		assert.Empty(t, runner.calls)
	})

	t.Run("remove_twice_is_noop_second_time", func(t *testing.T) {
		runner := &fakeRunner{}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))
		require.NoError(t, rc.Remove(context.Background()))

		before := len(runner.calls)
		require.NoError(t, rc.Remove(context.Background()))
		assert.Equal(t, before, len(runner.calls))
	})

	t.Run("falls_back_to_individual_deletes", func(t *testing.T) {
		runner := &fakeRunner{failMatch: "iptables-restore"}
		rc := testRuleController(runner, ModeLoopback, "")
		require.NoError(t, rc.Apply(context.Background(), testPlan()))
		require.NoError(t, rc.Remove(context.Background()))

		var deletes []string
		for _, c := range runner.calls {
			if c.name == "iptables" && len(c.args) > 2 && c.args[2] == "-D" {
				deletes = append(deletes, strings.Join(c.args, " "))
			}
		}
		require.Len(t, deletes, 5)
		// Newest rule removed first.
		assert.Contains(t, deletes[0], "-p udp -j REDIRECT")
	})
}

func TestRedirectRuleShape(t *testing.T) {
	t.Parallel()

	rc := testRuleController(&fakeRunner{}, ModeLoopback, "")
	rule := rc.redirectRule("tcp", 80, 8080)
	assert.Equal(t, strings.Split(
		fmt.Sprintf("-t nat -A OUTPUT -p tcp --dport 80 -j REDIRECT --to-ports 8080 -m comment --comment %s", ruleTag),
		" "), rule)
}
