package gateguard

import "time"

// RuleDoc is the declarative wire form of a Rule, shared by the admin HTTP
// surface (JSON) and the config loader (YAML). Function-valued rule fields
// (CostFunc, Skip, KeyFunc, Match.Predicate) have no declarative form and can
// only be set in code.
type RuleDoc struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name,omitempty" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Enabled     *bool  `json:"enabled,omitempty" yaml:"enabled"`
	Priority    int    `json:"priority" yaml:"priority"`

	Scope     string `json:"scope,omitempty" yaml:"scope"`
	Algorithm string `json:"algorithm,omitempty" yaml:"algorithm"`

	Limit         int64   `json:"limit" yaml:"limit"`
	WindowSeconds int64   `json:"windowSeconds" yaml:"window_seconds"`
	Burst         int64   `json:"burst,omitempty" yaml:"burst"`
	RefillRate    float64 `json:"refillRate,omitempty" yaml:"refill_rate"`
	Cost          int64   `json:"cost,omitempty" yaml:"cost"`

	Match  *MatchDoc  `json:"match,omitempty" yaml:"match"`
	Action *ActionDoc `json:"action,omitempty" yaml:"action"`

	Breaker string `json:"breaker,omitempty" yaml:"breaker"`
	Quota   string `json:"quota,omitempty" yaml:"quota"`
}

// MatchDoc is the declarative form of Match.
type MatchDoc struct {
	Paths   []string          `json:"paths,omitempty" yaml:"paths"`
	Methods []string          `json:"methods,omitempty" yaml:"methods"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`
	Roles   []string          `json:"roles,omitempty" yaml:"roles"`
	Tiers   []string          `json:"tiers,omitempty" yaml:"tiers"`
	Tenants []string          `json:"tenants,omitempty" yaml:"tenants"`
}

// ActionDoc is the declarative form of Action.
type ActionDoc struct {
	Type                string `json:"type,omitempty" yaml:"type"`
	StatusCode          int    `json:"statusCode,omitempty" yaml:"status_code"`
	Message             string `json:"message,omitempty" yaml:"message"`
	QueueTimeoutSeconds int64  `json:"queueTimeoutSeconds,omitempty" yaml:"queue_timeout_seconds"`
	QueuePriority       int    `json:"queuePriority,omitempty" yaml:"queue_priority"`
}

// Rule converts the document into a Rule. Validation happens on insert.
func (d RuleDoc) Rule() Rule {
	r := Rule{
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Enabled:     d.Enabled,
		Priority:    d.Priority,
		Scope:       d.Scope,
		Algorithm:   Algorithm(d.Algorithm),
		Limit:       d.Limit,
		Window:      time.Duration(d.WindowSeconds) * time.Second,
		Burst:       d.Burst,
		RefillRate:  d.RefillRate,
		Cost:        d.Cost,
		Breaker:     d.Breaker,
		Quota:       d.Quota,
	}
	if d.Match != nil {
		r.Match = &Match{
			Paths:   d.Match.Paths,
			Methods: d.Match.Methods,
			Headers: d.Match.Headers,
			Roles:   d.Match.Roles,
			Tiers:   d.Match.Tiers,
			Tenants: d.Match.Tenants,
		}
	}
	if d.Action != nil {
		r.Action = Action{
			Type:          ActionType(d.Action.Type),
			StatusCode:    d.Action.StatusCode,
			Message:       d.Action.Message,
			QueueTimeout:  time.Duration(d.Action.QueueTimeoutSeconds) * time.Second,
			QueuePriority: d.Action.QueuePriority,
		}
	}
	return r
}

// DocFromRule converts a Rule into its wire form. Function-valued fields are
// dropped.
func DocFromRule(r Rule) RuleDoc {
	d := RuleDoc{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Enabled:       r.Enabled,
		Priority:      r.Priority,
		Scope:         r.Scope,
		Algorithm:     string(r.Algorithm),
		Limit:         r.Limit,
		WindowSeconds: int64(r.Window / time.Second),
		Burst:         r.Burst,
		RefillRate:    r.RefillRate,
		Cost:          r.Cost,
		Breaker:       r.Breaker,
		Quota:         r.Quota,
	}
	if r.Match != nil {
		d.Match = &MatchDoc{
			Paths:   r.Match.Paths,
			Methods: r.Match.Methods,
			Headers: r.Match.Headers,
			Roles:   r.Match.Roles,
			Tiers:   r.Match.Tiers,
			Tenants: r.Match.Tenants,
		}
	}
	d.Action = &ActionDoc{
		Type:                string(r.Action.Type),
		StatusCode:          r.Action.StatusCode,
		Message:             r.Action.Message,
		QueueTimeoutSeconds: int64(r.Action.QueueTimeout / time.Second),
		QueuePriority:       r.Action.QueuePriority,
	}
	return d
}
