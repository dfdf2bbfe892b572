package config

import (
	"fmt"

	"github.com/sentinelfs/sentinel/internal/event"
	"github.com/sentinelfs/sentinel/internal/pattern"
	"github.com/sentinelfs/sentinel/internal/response"
)

var eventByName = map[string]event.Event{
	"open":          event.Open,
	"exec":          event.Exec,
	"access":        event.Access,
	"modify":        event.Modify,
	"close_write":   event.CloseWrite,
	"close_nowrite": event.CloseNoWrite,
}

var quantifierByName = map[string]pattern.Quantifier{
	"exactly":   pattern.Exactly,
	"more_than": pattern.MoreThan,
	"at_least":  pattern.AtLeast,
}

// CompilePatterns converts the YAML pattern configuration into the
// response.NamedPattern values the response engine matches against.
// LoadConfig has already validated event/quantifier names and Exactly(0)
// rejection is re-checked by pattern.NewStep itself.
func CompilePatterns(cfgs []PatternConfig) ([]response.NamedPattern, error) {
	patterns := make([]response.NamedPattern, 0, len(cfgs))
	for _, pc := range cfgs {
		steps := make([]pattern.Step, 0, len(pc.Steps))
		for _, sc := range pc.Steps {
			ev, ok := eventByName[sc.Event]
			if !ok {
				return nil, fmt.Errorf("config: pattern %q: unknown event %q", pc.Name, sc.Event)
			}
			q, ok := quantifierByName[sc.Quantifier]
			if !ok {
				return nil, fmt.Errorf("config: pattern %q: unknown quantifier %q", pc.Name, sc.Quantifier)
			}
			step, err := pattern.NewStep(ev, sc.Count, q)
			if err != nil {
				return nil, fmt.Errorf("config: pattern %q: %w", pc.Name, err)
			}
			steps = append(steps, step)
		}
		patterns = append(patterns, response.NamedPattern{Name: pc.Name, Pattern: pattern.New(steps...)})
	}
	return patterns, nil
}
