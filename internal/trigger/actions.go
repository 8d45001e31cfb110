package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/kingrea/cubed/internal/eventbus"
	"github.com/kingrea/cubed/internal/graph"
	"github.com/kingrea/cubed/internal/index"
	"github.com/kingrea/cubed/internal/node"
)

// Notifier delivers notify-action messages to a named target.
type Notifier interface {
	Notify(target, message string) error
}

type loggerNotifier struct {
	logger func(format string, args ...any)
}

func (n loggerNotifier) Notify(target, message string) error {
	n.logger("trigger: notify %s: %s", target, message)
	return nil
}

// ActionContext is what a custom action receives: the interpolation
// context plus the graph handle.
type ActionContext struct {
	Event   map[string]any
	Trigger Trigger
	Action  Action
	Graph   *graph.Graph
}

// ActionFunc is a host-registered action implementation.
type ActionFunc func(ctx ActionContext) error

// RegisterAction installs a custom action under the given type name.
// Built-in names cannot be shadowed.
func (e *Engine) RegisterAction(name string, fn ActionFunc) error {
	switch name {
	case "log", "notify", "create_node", "update_node", "invalidate":
		return fmt.Errorf("trigger: %q is a built-in action", name)
	}
	if fn == nil {
		return fmt.Errorf("trigger: nil handler for %q", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = fn
	return nil
}

// execute runs one action of a firing rule, interpolating its string
// fields against the event context first. Unknown action types are a
// non-fatal skip.
func (e *Engine) execute(action Action, event eventbus.Event, rule Trigger) error {
	ctx := interpolationContext(event, rule)
	switch action.Type {
	case "log":
		if e.logger != nil {
			e.logger.Printf("trigger %s: %s", rule.Name, Interpolate(action.Message, ctx))
		}
		return nil
	case "notify":
		return e.notifier.Notify(Interpolate(action.Target, ctx), Interpolate(action.Message, ctx))
	case "create_node":
		nodeType := action.NodeType
		if nodeType == "" {
			nodeType = node.TypeEvent
		}
		_, err := e.graph.Create(graph.CreateInput{CreateInput: node.CreateInput{
			Type:      nodeType,
			Title:     Interpolate(action.Title, ctx),
			Content:   Interpolate(action.Content, ctx),
			CreatedBy: "trigger:" + rule.ID,
		}})
		return err
	case "update_node":
		id := Interpolate(action.NodeID, ctx)
		partial, err := updateFromSet(action.Set, ctx)
		if err != nil {
			return err
		}
		_, err = e.graph.Update(id, partial)
		return err
	case "invalidate":
		return e.invalidate(Interpolate(action.NodeID, ctx), event)
	default:
		e.mu.Lock()
		fn, ok := e.custom[action.Type]
		e.mu.Unlock()
		if !ok {
			if e.logger != nil {
				e.logger.Printf("trigger %s: unknown action type %q skipped", rule.Name, action.Type)
			}
			return nil
		}
		return fn(ActionContext{
			Event:   eventToMap(event),
			Trigger: rule,
			Action:  action,
			Graph:   e.graph,
		})
	}
}

// updateFromSet converts an action's set map into a partial node
// update. Only the lifecycle fields make sense from a rule.
func updateFromSet(set map[string]string, ctx map[string]any) (node.UpdateInput, error) {
	var partial node.UpdateInput
	for key, raw := range set {
		value := Interpolate(raw, ctx)
		switch key {
		case "status":
			status := node.Status(value)
			partial.Status = &status
		case "validity":
			validity := node.Validity(value)
			partial.Validity = &validity
		case "priority":
			priority := node.Priority(value)
			partial.Priority = &priority
		case "assigned_to":
			partial.AssignedTo = &value
		case "content":
			partial.Content = &value
		case "title":
			partial.Title = &value
		default:
			return node.UpdateInput{}, fmt.Errorf("trigger: update_node cannot set %q", key)
		}
	}
	return partial, nil
}

// invalidate marks every node that documents the given node as stale.
// The fallback id is the node the event itself concerns.
func (e *Engine) invalidate(id string, event eventbus.Event) error {
	if id == "" {
		id = event.NodeID()
	}
	if id == "" {
		return fmt.Errorf("trigger: invalidate has no node in scope")
	}
	documenters, err := e.graph.Traverse(graph.TraverseOptions{
		StartNode: id,
		Direction: index.DirectionIn,
		EdgeTypes: []node.EdgeType{node.EdgeDocuments},
		MaxDepth:  1,
	})
	if err != nil {
		return err
	}
	stale := node.ValidityStale
	for _, reached := range documenters {
		if _, err := e.graph.Update(reached.Node.ID, node.UpdateInput{Validity: &stale}); err != nil {
			return err
		}
	}
	return nil
}

func interpolationContext(event eventbus.Event, rule Trigger) map[string]any {
	return map[string]any{
		"event":   eventToMap(event),
		"trigger": triggerToMap(rule),
	}
}

func eventToMap(event eventbus.Event) map[string]any {
	data, err := json.Marshal(event)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func triggerToMap(rule Trigger) map[string]any {
	data, err := json.Marshal(rule)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
