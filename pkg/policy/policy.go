// Package policy classifies tool/action/repo triples into a risk level and a
// disposition. Rules come from an external YAML document; evaluation is a
// pure function of the call's identifying fields against the loaded snapshot
// so replay and audit stay reproducible.
package policy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/agent2allow/agent2allow/pkg/models"
)

type Disposition string

const (
	AutoExecute     Disposition = "auto_execute"
	RequireApproval Disposition = "require_approval"
	AutoDeny        Disposition = "auto_deny"
)

// ErrNotLoaded is returned when evaluation is attempted before any policy
// document could be read. Callers surface it as a 5xx, never as a verdict.
var ErrNotLoaded = errors.New("policy document not loaded")

// Decision is the evaluator's output. RiskLevel is always set, including for
// auto_execute and auto_deny outcomes.
type Decision struct {
	RiskLevel   string
	Disposition Disposition
	Message     string
}

// Rule is one entry of the policy document. Actions and Repo are glob
// patterns; Tool matches exactly. ApprovalRequired nil means "derive from
// risk level".
type Rule struct {
	Tool             string   `yaml:"tool"`
	Actions          []string `yaml:"actions"`
	Repo             string   `yaml:"repo"`
	Risk             string   `yaml:"risk"`
	Allow            bool     `yaml:"allow"`
	ApprovalRequired *bool    `yaml:"approval_required"`
}

type Document struct {
	Defaults struct {
		DenyByDefault *bool `yaml:"deny_by_default"`
	} `yaml:"defaults"`
	Rules []Rule `yaml:"rules"`
}

type snapshot struct {
	rules         []Rule
	denyByDefault bool
}

// Engine loads the policy document from disk and re-reads it when the file's
// mtime changes. A snapshot, once loaded, is immutable.
type Engine struct {
	path string

	mu     sync.RWMutex
	snap   *snapshot
	mtime  time.Time
	loaded bool
}

func NewEngine(path string) *Engine {
	return &Engine{path: path}
}

// Load parses the document at the configured path. Missing file is not an
// error: it yields an empty deny-by-default snapshot, matching the behavior
// operators expect from an unprovisioned gateway.
func (e *Engine) Load() error {
	info, err := os.Stat(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.mu.Lock()
			e.snap = &snapshot{denyByDefault: true}
			e.loaded = true
			e.mtime = time.Time{}
			e.mu.Unlock()
			return nil
		}
		return fmt.Errorf("stat policy: %w", err)
	}
	e.mu.RLock()
	unchanged := e.loaded && info.ModTime().Equal(e.mtime)
	e.mu.RUnlock()
	if unchanged {
		return nil
	}
	raw, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("read policy: %w", err)
	}
	snap, err := parse(raw)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.snap = snap
	e.loaded = true
	e.mtime = info.ModTime()
	e.mu.Unlock()
	return nil
}

func parse(raw []byte) (*snapshot, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	denyByDefault := true
	if doc.Defaults.DenyByDefault != nil {
		denyByDefault = *doc.Defaults.DenyByDefault
	}
	for i, rule := range doc.Rules {
		if rule.Tool == "" {
			return nil, fmt.Errorf("parse policy: rule %d missing tool", i)
		}
	}
	return &snapshot{rules: doc.Rules, denyByDefault: denyByDefault}, nil
}

// Healthy reports whether a snapshot is available, for the readiness probe.
func (e *Engine) Healthy() bool {
	if err := e.Load(); err != nil {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.loaded
	}
	return true
}

// Evaluate classifies one call. Identical inputs against the same snapshot
// always yield the same decision; the evaluator has no side effects beyond
// the opportunistic reload.
func (e *Engine) Evaluate(tool, action, repo string) (Decision, error) {
	if err := e.Load(); err != nil {
		e.mu.RLock()
		loaded := e.loaded
		e.mu.RUnlock()
		if !loaded {
			return Decision{}, fmt.Errorf("%w: %v", ErrNotLoaded, err)
		}
		// Keep serving the last good snapshot if the reload failed.
	}
	e.mu.RLock()
	snap := e.snap
	e.mu.RUnlock()
	if snap == nil {
		return Decision{}, ErrNotLoaded
	}
	return snap.decide(tool, action, repo), nil
}

func (s *snapshot) decide(tool, action, repo string) Decision {
	for _, rule := range s.rules {
		if rule.Tool != tool {
			continue
		}
		if !matchAny(rule.Actions, action) {
			continue
		}
		repoPattern := rule.Repo
		if repoPattern == "" {
			repoPattern = "*"
		}
		if !match(repoPattern, repo) {
			continue
		}
		risk := rule.Risk
		if risk == "" {
			risk = models.RiskRead
		}
		if !rule.Allow {
			return Decision{RiskLevel: risk, Disposition: AutoDeny, Message: "policy denies action"}
		}
		if approvalRequired(rule, risk) {
			return Decision{RiskLevel: risk, Disposition: RequireApproval, Message: "approval required"}
		}
		return Decision{RiskLevel: risk, Disposition: AutoExecute, Message: "policy allows action"}
	}
	if s.denyByDefault {
		return Decision{RiskLevel: models.RiskUnknown, Disposition: AutoDeny, Message: "no matching allow rule"}
	}
	return Decision{RiskLevel: models.RiskLow, Disposition: AutoExecute, Message: "default allow"}
}

func approvalRequired(rule Rule, risk string) bool {
	if rule.ApprovalRequired != nil {
		return *rule.ApprovalRequired
	}
	return risk == models.RiskMedium || risk == models.RiskHigh
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if match(p, name) {
			return true
		}
	}
	return false
}

// match applies glob semantics where '*' also crosses '/', so "*" covers any
// repo and "acme/*" covers nested paths. doublestar treats '/' as a path
// separator, so both sides are flattened before matching.
func match(pattern, name string) bool {
	const sep = "\x1f"
	ok, err := doublestar.Match(strings.ReplaceAll(pattern, "/", sep), strings.ReplaceAll(name, "/", sep))
	return err == nil && ok
}
