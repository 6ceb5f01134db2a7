// Package security raises alerts on bursts of failed auth events.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var alertCounterScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Rule is the number of matching events from one IP that raises an alert
// within Window.
type Rule struct {
	Threshold int64
	Window    time.Duration
}

type ruleKey struct {
	event   string
	outcome string
}

// anyEvent matches every event for the given outcome.
const anyEvent = "*"

var defaultRules = map[ruleKey]Rule{
	{anyEvent, "rate_limited"}:    {Threshold: 20, Window: time.Minute},
	{"auth.authenticate", "fail"}: {Threshold: 10, Window: 5 * time.Minute},
	{"auth.register", "fail"}:     {Threshold: 10, Window: 5 * time.Minute},
	{"auth.activate", "fail"}:     {Threshold: 15, Window: 5 * time.Minute},
	{"auth.resend", "fail"}:       {Threshold: 15, Window: 5 * time.Minute},
	{"auth.authorize", "fail"}:    {Threshold: 25, Window: 5 * time.Minute},
	{"auth.logout", "fail"}:       {Threshold: 25, Window: 5 * time.Minute},
}

// AlertResult is the counter state after one observation. Triggered is set
// only by the observation that reaches the threshold, so one burst logs one
// alert.
type AlertResult struct {
	Triggered bool
	Count     int64
	Threshold int64
	Window    time.Duration
}

// AuditAlerter counts failed auth events per client IP in Redis.
type AuditAlerter struct {
	client *redis.Client
	prefix string
	rules  map[ruleKey]Rule
	now    func() time.Time
}

// NewAuditAlerter returns nil when addr is empty; a nil alerter observes
// nothing.
func NewAuditAlerter(addr, password, prefix string) *AuditAlerter {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "booknetwork:auth:alerts"
	}
	return &AuditAlerter{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		rules:  defaultRules,
		now:    time.Now,
	}
}

func (a *AuditAlerter) rule(event, outcome string) (Rule, bool) {
	if r, ok := a.rules[ruleKey{event, outcome}]; ok {
		return r, true
	}
	r, ok := a.rules[ruleKey{anyEvent, outcome}]
	return r, ok
}

// Observe counts one event for ip.
func (a *AuditAlerter) Observe(ctx context.Context, event, outcome, ip string) (AlertResult, error) {
	if a == nil {
		return AlertResult{}, nil
	}
	event, outcome = strings.TrimSpace(event), strings.TrimSpace(outcome)
	rule, ok := a.rule(event, outcome)
	if !ok || rule.Window <= 0 {
		return AlertResult{}, nil
	}
	windowMs := rule.Window.Milliseconds()
	slot := a.now().UTC().UnixMilli() / windowMs
	key := fmt.Sprintf("%s:%s:%s:%s:%d", a.prefix, keySegment(event), keySegment(outcome), keySegment(ip), slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := alertCounterScript.Run(ctx, a.client, []string{key}, windowMs).Int64()
	if err != nil {
		return AlertResult{}, fmt.Errorf("count %s/%s: %w", event, outcome, err)
	}
	return AlertResult{
		Triggered: count == rule.Threshold,
		Count:     count,
		Threshold: rule.Threshold,
		Window:    rule.Window,
	}, nil
}

var segmentReplacer = strings.NewReplacer(":", "_", "|", "_", " ", "_")

func keySegment(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}
	return segmentReplacer.Replace(in)
}

// Close releases the Redis connection pool.
func (a *AuditAlerter) Close() error {
	if a == nil {
		return nil
	}
	return a.client.Close()
}
