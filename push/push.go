// Package push evaluates a useful subset of the Matrix push rule set: enough
// to decide "does this event notify, and is it a highlight" for unread counts
// and the notification timeline. Server-side only concepts (sounds, tweaks
// other than highlight) are ignored.
package push

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/matrix-org/sync-client/sync2"
)

// Evaluator implements sync2.PushEvaluator. The rule set is replaced
// wholesale by SetPushRules; evaluation walks rule kinds in priority
// order: override, content, room, sender, underride.
type Evaluator struct {
	// UserID enables the displayname/localpart match conditions.
	UserID string

	mu    sync.RWMutex
	rules gjson.Result
}

func NewEvaluator(userID string) *Evaluator {
	return &Evaluator{UserID: userID}
}

func (e *Evaluator) SetPushRules(rules json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = gjson.GetBytes(rules, "global")
}

func (e *Evaluator) Actions(event json.RawMessage) sync2.PushAction {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, kind := range []string{"override", "content", "room", "sender", "underride"} {
		for _, rule := range rules.Get(kind).Array() {
			if !rule.Get("enabled").Bool() {
				continue
			}
			if !e.ruleMatches(kind, rule, event) {
				continue
			}
			return parseActions(rule.Get("actions"))
		}
	}
	// no rule matched: fall back to "messages notify quietly", which is what
	// the default underride amounts to
	if gjson.GetBytes(event, "type").Str == "m.room.message" {
		return sync2.PushAction{Notify: true}
	}
	return sync2.PushAction{}
}

func (e *Evaluator) ruleMatches(kind string, rule gjson.Result, event json.RawMessage) bool {
	switch kind {
	case "content":
		// content rules are an implicit glob on the message body
		return globMatch(rule.Get("pattern").Str, gjson.GetBytes(event, "content.body").Str)
	case "room":
		return rule.Get("rule_id").Str == gjson.GetBytes(event, "room_id").Str
	case "sender":
		return rule.Get("rule_id").Str == gjson.GetBytes(event, "sender").Str
	}
	for _, cond := range rule.Get("conditions").Array() {
		if !e.conditionMatches(cond, event) {
			return false
		}
	}
	return true
}

func (e *Evaluator) conditionMatches(cond gjson.Result, event json.RawMessage) bool {
	switch cond.Get("kind").Str {
	case "event_match":
		value := gjson.GetBytes(event, strings.ReplaceAll(cond.Get("key").Str, ".", "\\.")).Str
		return globMatch(cond.Get("pattern").Str, value)
	case "contains_display_name":
		// match on the localpart; we don't track per-room displaynames here
		localpart := strings.TrimPrefix(strings.SplitN(e.UserID, ":", 2)[0], "@")
		if localpart == "" {
			return false
		}
		body := strings.ToLower(gjson.GetBytes(event, "content.body").Str)
		return strings.Contains(body, strings.ToLower(localpart))
	default:
		// unknown condition kinds must not match, per spec
		return false
	}
}

func parseActions(actions gjson.Result) sync2.PushAction {
	var out sync2.PushAction
	for _, a := range actions.Array() {
		if a.Type == gjson.String {
			switch a.Str {
			case "notify", "coalesce":
				out.Notify = true
			case "dont_notify":
				return sync2.PushAction{}
			}
			continue
		}
		if a.Get("set_tweak").Str == "highlight" {
			// a bare highlight tweak defaults to true
			out.Highlight = !a.Get("value").Exists() || a.Get("value").Bool()
		}
	}
	return out
}

// globMatch implements the push-rule glob, case-insensitively: * matches any
// run, ? matches one character, and a pattern without metacharacters matches
// as a substring.
func globMatch(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	pattern = strings.ToLower(pattern)
	value = strings.ToLower(value)
	if !strings.ContainsAny(pattern, "*?") {
		return strings.Contains(value, pattern)
	}
	return matchRunes([]rune(pattern), []rune(value))
}

func matchRunes(pattern, value []rune) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(value); i++ {
			if matchRunes(pattern[1:], value[i:]) {
				return true
			}
		}
		return false
	case '?':
		return len(value) > 0 && matchRunes(pattern[1:], value[1:])
	default:
		return len(value) > 0 && value[0] == pattern[0] && matchRunes(pattern[1:], value[1:])
	}
}

var _ sync2.PushEvaluator = (*Evaluator)(nil)
