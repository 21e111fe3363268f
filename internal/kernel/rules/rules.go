// Package rules implements the declarative memory governance rule engine:
// matching incoming records against an ordered, sectioned rule set and
// producing a normalized policy Decision.
package rules

import (
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

// Section names, in composition order. Later sections overwrite fields
// already set by earlier ones.
var sections = []string{
	"never_store",
	"ask_before_store",
	"context_only",
	"redact",
	"always_keep",
	"auto_expire",
}

// Match describes the conditions under which a rule applies to a record.
type Match struct {
	Kind    string   `yaml:"kind,omitempty"`
	Speaker string   `yaml:"speaker,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	Content string   `yaml:"content,omitempty"`
}

// Rule is one entry of a section's ordered list.
type Rule struct {
	Match    Match          `yaml:"match"`
	Metadata map[string]any `yaml:"metadata"`

	contentRe *regexp.Regexp // compiled at parse time, nil if invalid or absent
}

// RuleSet is the parsed, immutable configuration document: a map from
// section name to its ordered rule list.
type RuleSet struct {
	Sections map[string][]Rule `yaml:",inline"`
}

type ruleSetDoc struct {
	NeverStore     []Rule `yaml:"never_store"`
	AskBeforeStore []Rule `yaml:"ask_before_store"`
	ContextOnly    []Rule `yaml:"context_only"`
	Redact         []Rule `yaml:"redact"`
	AlwaysKeep     []Rule `yaml:"always_keep"`
	AutoExpire     []Rule `yaml:"auto_expire"`
}

func (d ruleSetDoc) toSet() *RuleSet {
	rs := &RuleSet{Sections: map[string][]Rule{
		"never_store":      d.NeverStore,
		"ask_before_store": d.AskBeforeStore,
		"context_only":     d.ContextOnly,
		"redact":           d.Redact,
		"always_keep":      d.AlwaysKeep,
		"auto_expire":      d.AutoExpire,
	}}
	for section, rs2 := range rs.Sections {
		for i := range rs2 {
			r := &rs2[i]
			if r.Match.Content != "" {
				if re, err := regexp.Compile("(?i)" + r.Match.Content); err == nil {
					r.contentRe = re
				} else {
					log.Warn("rules: invalid content regex, rule will never match", "section", section, "pattern", r.Match.Content, "err", err)
				}
			}
		}
	}
	return rs
}

// ParseRuleSet parses a YAML rule-set document.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var doc ruleSetDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.toSet(), nil
}

// Record is the minimal shape the rule engine needs to evaluate a match.
type Record struct {
	Kind    string
	Key     string
	Value   string
	Tags    []string
	Speaker string
}

// Decision is the normalized policy produced by Evaluate, with every
// field default-initialized.
type Decision struct {
	AllowStore      bool
	RequiresConsent bool
	RecallPolicy    string // none | always_keep | context_only | auto_expire
	RedactStrategy  string // "" | mask | remove | replace:<literal>
	Encrypt         string // none | standard | strong
	Summarize       bool
	SummaryMode     string // summary_only | summary_also | full_always
	Embed           string // none | summary | full | both
	EmbedStore      bool
	EmbedRemoteOK   bool
	FTSIndex        bool
	FTSIndexMode    string // summary_preferred | value_preferred
	Boost           float64

	// RedactPattern is the content regex of the matching "redact" section
	// rule, if any; it is what the redactor applies RedactStrategy against.
	// Empty when no redact rule matched, or when the matching redact rule
	// has no content regex (it matched on kind, tags or speaker only).
	RedactPattern string
}

// DefaultDecision returns the decision every record starts from before
// any rule contributes.
func DefaultDecision() Decision {
	return Decision{
		AllowStore:      true,
		RequiresConsent: false,
		RecallPolicy:    "none",
		RedactStrategy:  "",
		Encrypt:         "none",
		Summarize:       false,
		SummaryMode:     "summary_also",
		Embed:           "summary",
		EmbedStore:      false,
		EmbedRemoteOK:   false,
		FTSIndex:        true,
		FTSIndexMode:    "summary_preferred",
		Boost:           1.0,
	}
}

// auditKind is always allowed through the rule engine regardless of what
// any configured section says, so the parking brake's transitions are
// never silently dropped.
const auditKind = "safety.audit"

func matches(r Rule, rec Record) bool {
	if r.Match.Kind != "" && r.Match.Kind != rec.Kind {
		return false
	}
	if r.Match.Speaker != "" && r.Match.Speaker != rec.Speaker {
		return false
	}
	for _, tag := range r.Match.Tags {
		if !containsTag(rec.Tags, tag) {
			return false
		}
	}
	if r.Match.Content != "" {
		if r.contentRe == nil {
			// invalid regex; rule never matches, already logged at parse time.
			return false
		}
		if !r.contentRe.MatchString(rec.Value) {
			return false
		}
	}
	return true
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func applySection(section string, rule Rule, d *Decision) {
	meta := rule.Metadata

	switch section {
	case "never_store":
		d.AllowStore = false
	case "ask_before_store":
		d.RequiresConsent = true
	}

	if v, ok := metaBool(meta, "allow_store"); ok {
		d.AllowStore = v
	}
	if v, ok := metaBool(meta, "requires_consent"); ok {
		d.RequiresConsent = v
	}
	if v, ok := metaString(meta, "recall_policy"); ok {
		d.RecallPolicy = v
	}
	if v, ok := metaEncrypt(meta); ok {
		d.Encrypt = v
	}
	if v, ok := metaBool(meta, "summarize"); ok {
		d.Summarize = v
	}
	if v, ok := metaString(meta, "summary_mode"); ok {
		d.SummaryMode = v
	}
	if v, ok := metaString(meta, "embed"); ok {
		d.Embed = v
	}
	if v, ok := metaBool(meta, "embed_store"); ok {
		d.EmbedStore = v
	}
	if v, ok := metaBool(meta, "embed_remote_ok"); ok {
		d.EmbedRemoteOK = v
	}
	if v, ok := metaBool(meta, "fts_index"); ok {
		d.FTSIndex = v
	}
	if v, ok := metaString(meta, "fts_index_mode"); ok {
		d.FTSIndexMode = v
	}
	if v, ok := metaFloat(meta, "retrieval.boost"); ok {
		d.Boost = v
	}

	if section == "redact" {
		if v, ok := metaString(meta, "redact_strategy"); ok {
			d.RedactStrategy = v
		} else if truthyRedact(meta) {
			d.RedactStrategy = "mask"
		}
		if rule.Match.Content != "" {
			d.RedactPattern = rule.Match.Content
		}
	}

	if os.Getenv("BARTHO_EMBED_ENABLED") == "1" && d.Embed != "none" {
		if _, explicit := meta["embed_store"]; !explicit {
			d.EmbedStore = true
		}
	}
}

func truthyRedact(meta map[string]any) bool {
	v, ok := meta["redact"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func metaBool(meta map[string]any, key string) (bool, bool) {
	v, ok := meta[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func metaString(meta map[string]any, key string) (string, bool) {
	v, ok := meta[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func metaFloat(meta map[string]any, key string) (float64, bool) {
	v, ok := meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// metaEncrypt resolves the encrypt field, accepting bool and string alias
// forms (true -> standard, false -> none).
func metaEncrypt(meta map[string]any) (string, bool) {
	v, ok := meta["encrypt"]
	if !ok {
		return "", false
	}
	switch e := v.(type) {
	case bool:
		if e {
			return "standard", true
		}
		return "none", true
	case string:
		l := strings.ToLower(strings.TrimSpace(e))
		switch l {
		case "standard", "strong", "none":
			return l, true
		case "yes", "true":
			return "standard", true
		case "no", "false":
			return "none", true
		}
	}
	return "", false
}

// Engine evaluates records against a hot-reloadable rule set snapshot.
type Engine struct {
	snapshot atomic.Pointer[RuleSet]

	path string

	mu        sync.Mutex
	lastMtime time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewEngine constructs an engine with an initial (possibly empty) rule set.
func NewEngine(initial *RuleSet) *Engine {
	if initial == nil {
		initial = &RuleSet{Sections: map[string][]Rule{}}
	}
	e := &Engine{}
	e.snapshot.Store(initial)
	return e
}

// LoadFromFile parses path and installs it as the active snapshot, then
// (unless BARTHO_EMBED_RELOAD=1 disables it) starts a background watcher
// that polls the file's mtime every 10 seconds and hot-swaps the snapshot
// on change.
func LoadFromFile(path string) (*Engine, error) {
	rs, err := loadRuleSetFile(path)
	if err != nil {
		return nil, err
	}
	e := NewEngine(rs)
	e.path = path
	if info, statErr := os.Stat(path); statErr == nil {
		e.lastMtime = info.ModTime()
	}
	if os.Getenv("BARTHO_EMBED_RELOAD") != "1" {
		e.startWatcher()
	}
	return e, nil
}

func loadRuleSetFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRuleSet(data)
}

func (e *Engine) startWatcher() {
	e.stopCh = make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.checkAndReload()
			}
		}
	}()
}

func (e *Engine) checkAndReload() {
	if e.path == "" {
		return
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return
	}
	e.mu.Lock()
	changed := info.ModTime() != e.lastMtime
	if changed {
		e.lastMtime = info.ModTime()
	}
	e.mu.Unlock()
	if !changed {
		return
	}
	rs, err := loadRuleSetFile(e.path)
	if err != nil {
		log.Warn("rules: failed to reload rule set, keeping previous snapshot", "err", err)
		return
	}
	e.snapshot.Store(rs)
	log.Info("rules: reloaded rule set", "path", e.path)
}

// Stop halts the background watcher goroutine, if any.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		if e.stopCh != nil {
			close(e.stopCh)
		}
	})
}

// Evaluate matches rec against the currently active rule-set snapshot,
// taken atomically so a concurrent reload never splits one evaluation
// across two versions, and returns the composed Decision.
func (e *Engine) Evaluate(rec Record) Decision {
	rs := e.snapshot.Load()
	d := DefaultDecision()

	if rec.Kind == auditKind {
		d.AllowStore = true
		d.RequiresConsent = false
		return d
	}

	for _, section := range sections {
		for _, rule := range rs.Sections[section] {
			if matches(rule, rec) {
				applySection(section, rule, &d)
				break // first match per section wins
			}
		}
	}
	return d
}

// ShouldStore reports whether the record may be persisted at all.
func (d Decision) ShouldStore() bool { return d.AllowStore }

// NeedsConsent reports whether the record requires a consent record before
// it is considered storable.
func (d Decision) NeedsConsent() bool { return d.RequiresConsent }
