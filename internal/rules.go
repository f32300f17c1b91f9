package internal

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
	"gopkg.in/yaml.v3"
)

// Rule routes push events matching When to the topics in Emit.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    EmitList `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// EmitList accepts either a single topic or a list of topics in YAML.
type EmitList []string

func (e *EmitList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var value string
		if err := node.Decode(&value); err != nil {
			return err
		}
		*e = EmitList{value}
		return nil
	case yaml.SequenceNode:
		var values []string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*e = EmitList(values)
		return nil
	default:
		return fmt.Errorf("emit must be a string or a list of strings")
	}
}

// RuleMatch is a topic selected for an event, with optional driver overrides.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    []string
	drivers []string
	expr    *govaluate.EvaluableExpression
	paths   map[string]string
}

// RuleEngine evaluates push events against the configured rules.
type RuleEngine struct {
	rules        []compiledRule
	strict       bool
	defaultTopic string
	logger       *log.Logger
}

var jsonPathToken = regexp.MustCompile(`\$(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])+`)

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		when, paths := rewriteJSONPaths(rule.When)
		expr, err := govaluate.NewEvaluableExpression(when)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{
			emit:    []string(rule.Emit),
			drivers: rule.Drivers,
			expr:    expr,
			paths:   paths,
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewLogger("rules")
	}
	return &RuleEngine{
		rules:        rules,
		strict:       cfg.Strict,
		defaultTopic: cfg.DefaultTopic,
		logger:       logger,
	}, nil
}

// Evaluate returns the topics an event should be published to.
func (r *RuleEngine) Evaluate(event Event) []RuleMatch {
	return r.EvaluateWithLogger(event, r.logger)
}

// EvaluateWithLogger is Evaluate with a request-scoped logger.
// Without rules every event goes to the default topic. With rules, an event
// matching none of them falls back to the default topic unless the engine is
// strict.
func (r *RuleEngine) EvaluateWithLogger(event Event, logger *log.Logger) []RuleMatch {
	if logger == nil {
		logger = r.logger
	}
	if len(r.rules) == 0 {
		return r.fallback()
	}

	params := event.Fields()
	var document interface{}
	decoded := false

	matches := make([]RuleMatch, 0, 1)
	seen := make(map[string]struct{})
	for i, rule := range r.rules {
		if len(rule.paths) > 0 && !decoded {
			decoded = true
			if len(event.RawPayload) > 0 {
				if err := json.Unmarshal(event.RawPayload, &document); err != nil {
					logger.Printf("rule payload decode failed: %v", err)
				}
			}
		}
		for name, path := range rule.paths {
			value, err := jsonpath.Get(path, document)
			if err != nil {
				delete(params, name)
				continue
			}
			params[name] = value
		}

		result, err := rule.expr.Evaluate(params)
		if err != nil {
			logger.Printf("rule %d eval failed: %v", i, err)
			continue
		}
		ok, _ := result.(bool)
		if !ok {
			continue
		}
		for _, topic := range rule.emit {
			key := topic + "|" + strings.Join(rule.drivers, ",")
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			matches = append(matches, RuleMatch{Topic: topic, Drivers: rule.drivers})
		}
	}
	if len(matches) == 0 && !r.strict {
		return r.fallback()
	}
	return matches
}

func (r *RuleEngine) fallback() []RuleMatch {
	if r.defaultTopic == "" {
		return nil
	}
	return []RuleMatch{{Topic: r.defaultTopic}}
}

// Topics lists every topic the engine can emit.
func (r *RuleEngine) Topics() []string {
	topics := make([]string, 0, len(r.rules)+1)
	seen := make(map[string]struct{})
	add := func(topic string) {
		if topic == "" {
			return
		}
		if _, ok := seen[topic]; ok {
			return
		}
		seen[topic] = struct{}{}
		topics = append(topics, topic)
	}
	for _, rule := range r.rules {
		for _, topic := range rule.emit {
			add(topic)
		}
	}
	if len(r.rules) == 0 || !r.strict {
		add(r.defaultTopic)
	}
	return topics
}

// rewriteJSONPaths replaces $.a.b style references with plain parameters so
// govaluate can parse the expression.
func rewriteJSONPaths(when string) (string, map[string]string) {
	paths := make(map[string]string)
	byPath := make(map[string]string)
	rewritten := jsonPathToken.ReplaceAllStringFunc(when, func(path string) string {
		if name, ok := byPath[path]; ok {
			return name
		}
		name := fmt.Sprintf("jsonpath_%d", len(byPath))
		byPath[path] = name
		paths[name] = path
		return name
	})
	return rewritten, paths
}
