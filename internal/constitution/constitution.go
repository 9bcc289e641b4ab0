// Package constitution loads the YAML policy document governing who may
// do what (spec.md §4.8): roles and their permissions, environmental
// capabilities gated by a cached probe command, and numbered priority
// rules that can override a plain permission check. Check evaluates
// (actor, action, resource) into an allow/deny decision the Gateway (C10)
// consults on every mutating dispatch.
package constitution

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/knowledgeengine/core/internal/errs"
	"github.com/knowledgeengine/core/internal/logging"
)

// CapabilityBehavior decides what happens when a capability probe fails
// or its prerequisite is missing.
type CapabilityBehavior string

const (
	BehaviorAllow  CapabilityBehavior = "allow"
	BehaviorDeny   CapabilityBehavior = "deny"
	BehaviorReview CapabilityBehavior = "review"
)

// CapabilityDecl is one capability's policy declaration.
type CapabilityDecl struct {
	Probe            string             `yaml:"probe"`
	OnMissingSubrepo CapabilityBehavior `yaml:"onMissingSubrepo"`
	OnMissingRemote  CapabilityBehavior `yaml:"onMissingRemote"`
	CacheTTLSeconds  int                `yaml:"cacheTtlSeconds"`
}

// RoleDecl is one role's permission/capability requirements.
type RoleDecl struct {
	Permissions          []string `yaml:"permissions"`
	RequiredCapabilities []string `yaml:"requiredCapabilities"`
}

// PriorityRule is one numbered override rule.
type PriorityRule struct {
	Priority int      `yaml:"priority"`
	Actions  []string `yaml:"actions"`
	Resources []string `yaml:"resources"`
	Outcome  string   `yaml:"outcome"` // "allow" | "deny"
	Reason   string   `yaml:"reason"`
}

// Document is the full YAML policy shape.
type Document struct {
	Capabilities map[string]CapabilityDecl `yaml:"capabilities"`
	Roles        map[string]RoleDecl       `yaml:"roles"`
	Priorities   []PriorityRule            `yaml:"priorities"`
}

// Load parses a constitution document from YAML bytes.
func Load(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Schema(err, "parse constitution document")
	}
	return &doc, nil
}

// missingCause distinguishes why a capability probe failed, so the
// correct half of a CapabilityDecl's behavior pair applies.
type missingCause string

const (
	// causeNone means the probe succeeded; no behavior applies.
	causeNone missingCause = ""
	// causeSubrepo means the probe command itself could not run at all —
	// e.g. the target subrepo/worktree the probe expects doesn't exist.
	causeSubrepo missingCause = "subrepo"
	// causeRemote means the probe ran but exited non-zero — e.g. a
	// `git push --dry-run` finding no configured push destination.
	causeRemote missingCause = "remote"
)

// probeResult is one cached capability probe outcome.
type probeResult struct {
	ok    bool
	cause missingCause
	at    time.Time
}

// behaviorFor picks decl's configured behavior for result's failure
// cause, defaulting to the missing-remote behavior for an unclassified
// failure (e.g. a throttle or timeout, not an exec-level distinction).
func (decl CapabilityDecl) behaviorFor(cause missingCause) CapabilityBehavior {
	var behavior CapabilityBehavior
	if cause == causeSubrepo {
		behavior = decl.OnMissingSubrepo
	} else {
		behavior = decl.OnMissingRemote
	}
	if behavior == "" {
		behavior = BehaviorDeny
	}
	return behavior
}

// Decision is Check's return value (spec.md §4.8).
type Decision struct {
	Allow    bool
	Review   bool // true when a capability resolved to the "review" behavior, distinct from deny
	Reason   string
	Priority *int
}

// Engine evaluates Check against a loaded Document, caching capability
// probe results and serializing probe execution per capability id.
type Engine struct {
	doc *Document

	cacheMu sync.Mutex
	cache   map[string]probeResult
	probeMu map[string]*sync.Mutex

	probeThrottle *rate.Limiter
	probeTimeout  time.Duration
}

// NewEngine constructs an Engine. Probe starts across all capability ids
// are rate-limited to 2 per second (burst 2) on top of the per-id mutex
// serializing same-id probes.
func NewEngine(doc *Document) *Engine {
	return &Engine{
		doc:           doc,
		cache:         map[string]probeResult{},
		probeMu:       map[string]*sync.Mutex{},
		probeThrottle: rate.NewLimiter(rate.Limit(2), 2),
		probeTimeout:  5 * time.Second,
	}
}

func (e *Engine) lockFor(capabilityID string) *sync.Mutex {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	m, ok := e.probeMu[capabilityID]
	if !ok {
		m = &sync.Mutex{}
		e.probeMu[capabilityID] = m
	}
	return m
}

// Check resolves actor's role, verifies it holds a matching permission,
// resolves every required capability via the probe cache, then applies
// priority rules highest priority first; the first matching rule decides
// (spec.md §4.8). action may be a bare verb ("create") or a qualified
// action name ("create:recipe", as the Gateway passes it); permissions are
// matched on its verb, and priority-rule actions match either the action
// as given or verb:resource.
func (e *Engine) Check(ctx context.Context, actor, action, resource string) Decision {
	role, ok := e.doc.Roles[actor]
	if !ok {
		return Decision{Allow: false, Reason: fmt.Sprintf("unknown actor role %q", actor)}
	}

	verb := action
	if i := strings.IndexByte(action, ':'); i >= 0 {
		verb = action[:i]
	}
	qualified := verb + ":" + resource

	if !hasMatchingPermission(role.Permissions, verb, resource) {
		return Decision{Allow: false, Reason: fmt.Sprintf("no permission %s", qualified)}
	}

	for _, capID := range role.RequiredCapabilities {
		ok, review, reason := e.checkCapability(ctx, capID)
		if !ok {
			return Decision{Allow: false, Review: review, Reason: reason}
		}
	}

	for _, rule := range sortedPriorities(e.doc.Priorities) {
		if (matches(rule.Actions, action) || matches(rule.Actions, qualified)) && matches(rule.Resources, resource) {
			priority := rule.Priority
			return Decision{Allow: rule.Outcome == "allow", Reason: rule.Reason, Priority: &priority}
		}
	}

	return Decision{Allow: true, Reason: "permitted"}
}

// hasMatchingPermission reports whether perms contains an entry matching
// "action:resource", honoring a "*" wildcard on either side.
func hasMatchingPermission(perms []string, action, resource string) bool {
	want := action + ":" + resource
	for _, p := range perms {
		if permissionMatches(p, action, resource) || p == want {
			return true
		}
	}
	return false
}

func permissionMatches(perm, action, resource string) bool {
	parts := strings.SplitN(perm, ":", 2)
	if len(parts) != 2 {
		return false
	}
	verb, res := parts[0], parts[1]
	return (verb == "*" || verb == action) && (res == "*" || res == resource)
}

func matches(patterns []string, value string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" || p == value {
			return true
		}
	}
	return false
}

func sortedPriorities(rules []PriorityRule) []PriorityRule {
	out := make([]PriorityRule, len(rules))
	copy(out, rules)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// ProbeCapability runs (or serves from cache) the named capability's
// probe, independent of any role — the Gateway calls this directly when
// an action declares a capability requirement of its own.
func (e *Engine) ProbeCapability(ctx context.Context, capabilityID string) (bool, bool, string) {
	return e.checkCapability(ctx, capabilityID)
}

// checkCapability consults the cache; on a stale or absent entry it
// acquires the per-id mutex, throttles against the cross-capability
// limiter, and runs the probe. The second return value reports whether
// the resolved behavior is "review", distinct from an outright deny.
func (e *Engine) checkCapability(ctx context.Context, capID string) (bool, bool, string) {
	decl, ok := e.doc.Capabilities[capID]
	if !ok {
		return false, false, fmt.Sprintf("unknown capability %q", capID)
	}

	ttl := time.Duration(decl.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	e.cacheMu.Lock()
	cached, ok := e.cache[capID]
	e.cacheMu.Unlock()
	if ok && time.Since(cached.at) < ttl {
		if cached.ok {
			return true, false, "permitted"
		}
		return e.resolveBehavior(decl, capID, cached.cause)
	}

	mu := e.lockFor(capID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check after acquiring the lock — another goroutine may have just
	// refreshed this capability while we were waiting.
	e.cacheMu.Lock()
	cached, ok = e.cache[capID]
	e.cacheMu.Unlock()
	if ok && time.Since(cached.at) < ttl {
		if cached.ok {
			return true, false, "permitted"
		}
		return e.resolveBehavior(decl, capID, cached.cause)
	}

	if err := e.probeThrottle.Wait(ctx); err != nil {
		return false, false, fmt.Sprintf("capability probe throttle: %v", err)
	}

	result := e.runProbe(ctx, decl)
	e.cacheMu.Lock()
	e.cache[capID] = result
	e.cacheMu.Unlock()

	if result.ok {
		return true, false, "permitted"
	}
	return e.resolveBehavior(decl, capID, result.cause)
}

// resolveBehavior picks the configured behavior matching cause and
// renders it into checkCapability's (allow, review, reason) shape.
func (e *Engine) resolveBehavior(decl CapabilityDecl, capID string, cause missingCause) (bool, bool, string) {
	behavior := decl.behaviorFor(cause)
	reason := fmt.Sprintf("capability %q unavailable (missing %s: %s)", capID, causeLabel(cause), behavior)
	return behavior == BehaviorAllow, behavior == BehaviorReview, reason
}

func causeLabel(cause missingCause) string {
	if cause == causeSubrepo {
		return "subrepo"
	}
	return "remote"
}

// runProbe executes decl's probe command and classifies the failure
// cause: a command that cannot even be started (missing binary, or a
// working directory/subrepo that doesn't exist) is treated as a missing
// subrepo; a command that runs but exits non-zero (e.g. `git push
// --dry-run` with no configured remote) is treated as a missing remote.
func (e *Engine) runProbe(ctx context.Context, decl CapabilityDecl) probeResult {
	timeout := e.probeTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fields := strings.Fields(decl.Probe)
	if len(fields) == 0 {
		return probeResult{ok: false, cause: causeSubrepo, at: time.Now()}
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	err := cmd.Run()
	if err == nil {
		return probeResult{ok: true, at: time.Now()}
	}

	cause := causeRemote
	var execErr *exec.Error
	var exitErr *exec.ExitError
	if errors.As(err, &execErr) || !errors.As(err, &exitErr) {
		// The process never started at all (binary/working directory
		// missing) rather than running and rejecting the push.
		cause = causeSubrepo
	}
	logging.Get(logging.CategoryConstitution).Warn("capability probe %q failed: %v", decl.Probe, err)
	return probeResult{ok: false, cause: cause, at: time.Now()}
}
