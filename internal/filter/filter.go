// Package filter implements peer and client address filtering, with
// rule sets that can be swapped at runtime for config reload.
package filter

import (
	"net"
	"sync"

	"github.com/turngate/turngate/internal/relaymsg"
)

// Action is possible action that can be applied to address.
type Action byte

var actionToStr = map[Action]string{
	Pass:  "pass",
	Allow: "allow",
	Deny:  "deny",
}

func (a Action) String() string {
	return actionToStr[a]
}

// Possible action list.
const (
	Pass Action = iota
	Allow
	Deny
)

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(addr relaymsg.Addr) Action {
	if r.net.Contains(addr.IP) {
		return r.action
	}
	return Pass
}

// AllowNet allows any address from subnet.
func AllowNet(subnet string) (Rule, error) {
	return StaticNetRule(Allow, subnet)
}

// ForbidNet blocks any address from subnet.
func ForbidNet(subnet string) (Rule, error) {
	return StaticNetRule(Deny, subnet)
}

// StaticNetRule returns static rule for provided subnet that will apply
// action to it.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	_, parsedNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsedNet}, nil
}

type allowAll struct{}

func (allowAll) Action(relaymsg.Addr) Action { return Allow }

// AllowAll is Rule that always returns Allow.
var AllowAll Rule = allowAll{}

type classRule struct {
	action Action
	match  func(net.IP) bool
}

func (r classRule) Action(addr relaymsg.Addr) Action {
	if r.match(addr.IP) {
		return r.action
	}
	return Pass
}

// DenyLoopback denies any address in the loopback range, for
// --no-loopback-peers.
func DenyLoopback() Rule {
	return classRule{action: Deny, match: net.IP.IsLoopback}
}

// DenyMulticast denies any multicast address, for --no-multicast-peers.
func DenyMulticast() Rule {
	return classRule{action: Deny, match: net.IP.IsMulticast}
}

// Rule represents filtering rule.
type Rule interface {
	Action(addr relaymsg.Addr) Action
}

// List is a list of rules with a default action, safe for concurrent
// use; SetAction/SetRules let the owning realm's rule set be replaced
// in place when the server's config is reloaded.
type List struct {
	mux    sync.RWMutex
	action Action
	rules  []Rule
}

// SetAction replaces the current default action.
func (f *List) SetAction(action Action) {
	f.mux.Lock()
	f.action = action
	f.mux.Unlock()
}

// SetRules replaces the current rule set.
func (f *List) SetRules(rules []Rule) {
	f.mux.Lock()
	f.rules = append(f.rules[:0], rules...)
	f.mux.Unlock()
}

// Action implements Rule.
//
// Returns first matched rule from list or default action if none found.
// Matched is rule that returned Allow or Deny action (not "Pass").
func (f *List) Action(addr relaymsg.Addr) Action {
	f.mux.RLock()
	defer f.mux.RUnlock()
	for i := range f.rules {
		a := f.rules[i].Action(addr)
		if a == Pass {
			continue
		}
		return a
	}
	return f.action
}

// NewFilter initializes and returns new List with provided default action
// and rule list.
func NewFilter(action Action, rules ...Rule) *List { return &List{rules: rules, action: action} }
