package fauxnet

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ruleTag marks every rule fauxnet installs so they can be identified
// and bulk-removed without touching rules owned by other software.
const ruleTag = "FAUXNET"

// commandRunner abstracts subprocess execution so rule logic is
// testable without root or the iptables binaries.
type commandRunner interface {
	run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)
}

// execRunner runs the real binaries with a bounded timeout and no shell.
type execRunner struct {
	timeout time.Duration
}

func (e execRunner) run(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return nil, fmt.Errorf("%s: %s: %w", name, msg, err)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// RedirectPlan is everything the RuleController needs to build the NAT
// ruleset for one run: named-service redirections in order, the final
// catch-all targets, and the ports exempted from the catch-all.
type RedirectPlan struct {
	Ports         []RedirectPort
	CatchAllTCP   uint16 // 0 disables the TCP catch-all rule
	CatchAllUDP   uint16 // 0 disables the UDP catch-all rule
	ExcludedPorts []uint16
}

// RuleController owns the installed redirect rules and the snapshot of
// the pre-existing ruleset. Single-writer: the orchestrator never calls
// Apply/Remove concurrently with responder start/stop, and the mutex
// guards against misuse.
type RuleController struct {
	mu        sync.Mutex
	runner    commandRunner
	log       *logrus.Entry
	mode      Mode
	iface     string
	snapshot  []byte     // iptables-save output, captured once per run
	installed [][]string // iptables args for every rule we added
}

// NewRuleController returns a controller targeting the chain implied by
// mode: OUTPUT for loopback, PREROUTING for gateway. iface optionally
// constrains gateway rules to one inbound interface.
func NewRuleController(mode Mode, iface string, log *logrus.Logger) *RuleController {
	return &RuleController{
		runner: execRunner{timeout: 10 * time.Second},
		log:    log.WithField("component", "iptables"),
		mode:   mode,
		iface:  iface,
	}
}

func (rc *RuleController) chain() string {
	if rc.mode == ModeGateway {
		return "PREROUTING"
	}
	return "OUTPUT"
}

// Apply installs the full redirect ruleset, all-or-nothing. Before the
// first rule it snapshots the pre-existing ruleset exactly once so
// Remove can restore the original state verbatim. Rule order matters:
// named services first, then exclusions, then the catch-all rules, so
// exclusions take precedence over the catch-all.
func (rc *RuleController) Apply(ctx context.Context, plan RedirectPlan) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if _, err := rc.runner.run(ctx, nil, "iptables", "--version"); err != nil {
		return fmt.Errorf("%w: %v", ErrIPTablesUnavailable, err)
	}

	if rc.snapshot == nil {
		snap, err := rc.runner.run(ctx, nil, "iptables-save")
		if err != nil {
			return fmt.Errorf("snapshotting ruleset: %w", err)
		}
		rc.snapshot = snap
	}

	var rules [][]string
	for _, p := range plan.Ports {
		rules = append(rules, rc.redirectRule(p.Proto, p.Port, p.Target))
	}
	for _, port := range plan.ExcludedPorts {
		rules = append(rules, rc.returnRule(port))
	}
	if plan.CatchAllTCP != 0 {
		rules = append(rules, rc.catchAllRule("tcp", plan.CatchAllTCP))
	}
	if plan.CatchAllUDP != 0 {
		rules = append(rules, rc.catchAllRule("udp", plan.CatchAllUDP))
	}

	for _, rule := range rules {
		if _, err := rc.runner.run(ctx, nil, "iptables", rule...); err != nil {
			rc.log.WithError(err).Error("rule install failed, rolling back")
			rc.removeInstalledLocked(ctx)
			return &RuleError{Rule: rule, Err: err}
		}
		rc.installed = append(rc.installed, rule)
	}

	rc.log.WithFields(logrus.Fields{
		"rules": len(rc.installed),
		"chain": rc.chain(),
		"mode":  string(rc.mode),
	}).Info("redirect rules applied")
	return nil
}

func (rc *RuleController) ruleBase() []string {
	args := []string{"-t", "nat", "-A", rc.chain()}
	if rc.mode == ModeGateway && rc.iface != "" {
		args = append(args, "-i", rc.iface)
	}
	return args
}

func (rc *RuleController) redirectRule(proto string, port, target uint16) []string {
	return append(rc.ruleBase(),
		"-p", proto,
		"--dport", strconv.Itoa(int(port)),
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(int(target)),
		"-m", "comment", "--comment", ruleTag,
	)
}

func (rc *RuleController) returnRule(port uint16) []string {
	return append(rc.ruleBase(),
		"-p", "tcp",
		"--dport", strconv.Itoa(int(port)),
		"-j", "RETURN",
		"-m", "comment", "--comment", ruleTag,
	)
}

func (rc *RuleController) catchAllRule(proto string, target uint16) []string {
	return append(rc.ruleBase(),
		"-p", proto,
		"-j", "REDIRECT", "--to-ports", strconv.Itoa(int(target)),
		"-m", "comment", "--comment", ruleTag,
	)
}

// Remove restores the pre-run snapshot when one exists, otherwise
// deletes every tagged rule individually. Idempotent: removing when
// nothing is installed is a no-op, not an error.
func (rc *RuleController) Remove(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(rc.installed) == 0 && rc.snapshot == nil {
		return nil
	}

	if rc.snapshot != nil {
		_, err := rc.runner.run(ctx, rc.snapshot, "iptables-restore")
		if err == nil {
			rc.log.Info("ruleset restored from snapshot")
			rc.installed = nil
			rc.snapshot = nil
			return nil
		}
		rc.log.WithError(err).Warn("snapshot restore failed, deleting rules individually")
	}

	err := rc.removeInstalledLocked(ctx)
	rc.snapshot = nil
	return err
}

// removeInstalledLocked deletes the rules this run added, newest first.
// The caller must hold mu.
func (rc *RuleController) removeInstalledLocked(ctx context.Context) error {
	var firstErr error
	for i := len(rc.installed) - 1; i >= 0; i-- {
		del := make([]string, len(rc.installed[i]))
		copy(del, rc.installed[i])
		for j, a := range del {
			if a == "-A" {
				del[j] = "-D"
			}
		}
		if _, err := rc.runner.run(ctx, nil, "iptables", del...); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting rule: %w", err)
		}
	}
	rc.installed = nil
	return firstErr
}

// InstalledRules returns a copy of the rules currently installed by
// this run, for the status surface.
func (rc *RuleController) InstalledRules() [][]string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([][]string, len(rc.installed))
	for i, r := range rc.installed {
		out[i] = append([]string(nil), r...)
	}
	return out
}
