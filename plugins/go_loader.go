// Package plugins lets a host extend the trigger engine from plain
// .go files dropped into a directory: interpreted at load time, never
// compiled into the binary. A plugin file may define custom action
// handlers via TriggerActions() and declarative rules via
// TriggerDefinitions().
package plugins

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/cubed/internal/trigger"
)

const (
	actionsFuncName     = "TriggerActions"
	definitionsFuncName = "TriggerDefinitions"
)

// ActionHandler is the shape a plugin's custom action takes: it
// receives the firing event decoded into a generic map.
type ActionHandler func(event map[string]any) error

// LoadActionDir evaluates every .go file in dir and collects the
// custom action handlers declared via TriggerActions(). A missing
// directory yields no handlers and no error.
func LoadActionDir(dir string) (map[string]ActionHandler, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	handlers := map[string]ActionHandler{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		path := filepath.Join(trimmed, entry.Name())
		fileHandlers, err := loadActionFile(path)
		if err != nil {
			return nil, err
		}
		for name, handler := range fileHandlers {
			if _, exists := handlers[name]; exists {
				return nil, fmt.Errorf("plugin: %s redefines action %q", path, name)
			}
			handlers[name] = handler
		}
	}
	if len(handlers) == 0 {
		return nil, nil
	}
	return handlers, nil
}

func loadActionFile(path string) (map[string]ActionHandler, error) {
	i, err := evalPluginFile(path)
	if err != nil {
		return nil, err
	}
	fnValue, err := i.Eval(actionsFuncName)
	if err != nil {
		// A definitions-only plugin is fine.
		return nil, nil
	}
	raw, err := invokeActionsFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	handlers := make(map[string]ActionHandler, len(raw))
	for name, fn := range raw {
		handlers[name] = fn
	}
	return handlers, nil
}

func invokeActionsFunc(value reflect.Value) (map[string]func(map[string]any) error, error) {
	if !value.IsValid() {
		return nil, fmt.Errorf("missing %s function", actionsFuncName)
	}
	if value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", actionsFuncName)
	}
	results := value.Call(nil)
	if len(results) != 1 {
		return nil, fmt.Errorf("%s must return map[string]func(map[string]any) error", actionsFuncName)
	}
	handlers, ok := results[0].Interface().(map[string]func(map[string]any) error)
	if !ok {
		return nil, fmt.Errorf("%s must return map[string]func(map[string]any) error", actionsFuncName)
	}
	return handlers, nil
}

// LoadTriggerDir evaluates every .go file in dir and collects the
// declarative trigger rules declared via TriggerDefinitions(). Each
// definition is normalized through YAML into the rule shape the
// engine consumes.
func LoadTriggerDir(dir string) ([]trigger.Trigger, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("plugin: read %s: %w", trimmed, err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".go" {
			continue
		}
		paths = append(paths, filepath.Join(trimmed, entry.Name()))
	}
	sort.Strings(paths)
	var rules []trigger.Trigger
	for _, path := range paths {
		fileRules, err := loadTriggerFile(path)
		if err != nil {
			return nil, err
		}
		rules = append(rules, fileRules...)
	}
	return rules, nil
}

func loadTriggerFile(path string) ([]trigger.Trigger, error) {
	i, err := evalPluginFile(path)
	if err != nil {
		return nil, err
	}
	fnValue, err := i.Eval(definitionsFuncName)
	if err != nil {
		// An actions-only plugin is fine.
		return nil, nil
	}
	defs, err := invokeDefinitionsFunc(fnValue)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s: %w", path, err)
	}
	rules := make([]trigger.Trigger, 0, len(defs))
	for idx, raw := range defs {
		payload, err := yaml.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		var rule trigger.Trigger
		if err := yaml.Unmarshal(payload, &rule); err != nil {
			return nil, fmt.Errorf("plugin: %s definition[%d]: %w", path, idx, err)
		}
		if rule.Name == "" || len(rule.Events) == 0 {
			return nil, fmt.Errorf("plugin: %s definition[%d]: name and events are required", path, idx)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func invokeDefinitionsFunc(value reflect.Value) ([]map[string]any, error) {
	if !value.IsValid() {
		return nil, fmt.Errorf("missing %s function", definitionsFuncName)
	}
	if value.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", definitionsFuncName)
	}
	results := value.Call(nil)
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return ([]map[string]any[, error])", definitionsFuncName)
	}
	if len(results) == 2 && !results[1].IsNil() {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", definitionsFuncName)
	}
	defsVal := results[0]
	if defs, ok := defsVal.Interface().([]map[string]any); ok {
		return defs, nil
	}
	if defsVal.Kind() == reflect.Slice {
		result := make([]map[string]any, defsVal.Len())
		for i := 0; i < defsVal.Len(); i++ {
			entry := defsVal.Index(i).Interface()
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s[%d] is not map[string]any", definitionsFuncName, i)
			}
			result[i] = m
		}
		return result, nil
	}
	return nil, fmt.Errorf("%s must return []map[string]any", definitionsFuncName)
}

func evalPluginFile(path string) (*interp.Interpreter, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	i.Use(stdlib.Symbols)
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	return i, nil
}

// Install loads both kinds of plugin content from dir and wires them
// into the engine: custom actions first, then rules.
func Install(engine *trigger.Engine, dir string) error {
	handlers, err := LoadActionDir(dir)
	if err != nil {
		return err
	}
	for name, handler := range handlers {
		h := handler
		if err := engine.RegisterAction(name, func(ctx trigger.ActionContext) error {
			return h(ctx.Event)
		}); err != nil {
			return err
		}
	}
	rules, err := LoadTriggerDir(dir)
	if err != nil {
		return err
	}
	for _, rule := range rules {
		engine.AddTrigger(rule)
	}
	return nil
}
