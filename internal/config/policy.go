package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetgov/gatekeeper/internal/budget"
)

// Policy is the YAML governance policy: pre-provisioned budget allocations
// per actor and per-type event rate limits.
//
//	actors:
//	  planner-agent:
//	    limits:
//	      cost: { ceiling: 25.0, period_seconds: 3600, soft_threshold: 0.8 }
//	      api_calls: { ceiling: 500, period_seconds: 3600 }
//	event_rate_limits:
//	  task.progress: 200
type Policy struct {
	Actors          map[string]ActorPolicy `yaml:"actors"`
	EventRateLimits map[string]int         `yaml:"event_rate_limits"`
}

// ActorPolicy is one actor's budget policy.
type ActorPolicy struct {
	Limits map[string]LimitPolicy `yaml:"limits"`
}

// LimitPolicy is one dimension's ceiling.
type LimitPolicy struct {
	Ceiling       float64 `yaml:"ceiling"`
	PeriodSeconds int     `yaml:"period_seconds"`
	SoftThreshold float64 `yaml:"soft_threshold"`
}

// LoadPolicy parses the YAML policy file at path.
func LoadPolicy(path string) (*Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var p Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	for actor, ap := range p.Actors {
		for dim := range ap.Limits {
			if !budget.Dimension(dim).Valid() {
				return nil, fmt.Errorf("actor %s: unknown budget dimension %q", actor, dim)
			}
		}
	}
	return &p, nil
}

// BudgetLimits converts an actor's policy into engine limits.
func (a ActorPolicy) BudgetLimits() []budget.Limit {
	limits := make([]budget.Limit, 0, len(a.Limits))
	for dim, lp := range a.Limits {
		limits = append(limits, budget.Limit{
			Dimension:     budget.Dimension(dim),
			Ceiling:       lp.Ceiling,
			Period:        time.Duration(lp.PeriodSeconds) * time.Second,
			SoftThreshold: lp.SoftThreshold,
		})
	}
	return limits
}
