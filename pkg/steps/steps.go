// Package steps defines the ordered step catalogs that drive a session.
package steps

import (
	"fmt"
	"strings"

	"github.com/MrCodeEU/facegate/pkg/liveness"
)

// Step is one stage of a flow. Value is the wire identifier.
type Step struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Flow selects a catalog.
type Flow string

const (
	FlowAuth     Flow = "auth"
	FlowRegister Flow = "register"
)

// Step values.
const (
	Initial       = "initial"
	AntiSpoof     = "antispoof-embeddings"
	LivenessLeft  = "liveness_check:left"
	LivenessRight = "liveness_check:right"
	Recognize     = "recognize"
	Enroll        = "enroll"

	livenessPrefix = "liveness_check:"
)

// Catalog is an immutable ordered list of steps.
type Catalog struct {
	flow  Flow
	steps []Step
}

var (
	authCatalog = Catalog{flow: FlowAuth, steps: []Step{
		{Initial, "Initial"},
		{AntiSpoof, "Anti-spoofing check"},
		{LivenessLeft, "Turn your head left"},
		{LivenessRight, "Turn your head right"},
		{Recognize, "Face recognition"},
	}}

	registerCatalog = Catalog{flow: FlowRegister, steps: []Step{
		{Initial, "Initial"},
		{AntiSpoof, "Anti-spoofing check"},
		{LivenessLeft, "Turn your head left"},
		{LivenessRight, "Turn your head right"},
		{Enroll, "Face enrollment"},
	}}
)

// For returns the catalog of a flow.
func For(flow Flow) (*Catalog, error) {
	switch flow {
	case FlowAuth:
		return &authCatalog, nil
	case FlowRegister:
		return &registerCatalog, nil
	default:
		return nil, fmt.Errorf("unknown flow %q", flow)
	}
}

// Flow returns the flow the catalog belongs to.
func (c *Catalog) Flow() Flow { return c.flow }

// Steps returns a copy of the ordered steps.
func (c *Catalog) Steps() []Step {
	out := make([]Step, len(c.steps))
	copy(out, c.steps)
	return out
}

// Lookup finds a step by its wire value.
func (c *Catalog) Lookup(value string) (Step, bool) {
	if i := c.Index(value); i >= 0 {
		return c.steps[i], true
	}
	return Step{}, false
}

// Index returns the position of value in the catalog, or -1.
func (c *Catalog) Index(value string) int {
	for i, s := range c.steps {
		if s.Value == value {
			return i
		}
	}
	return -1
}

// Next returns the successor of value. The terminal step has none.
func (c *Catalog) Next(value string) (Step, bool) {
	i := c.Index(value)
	if i < 0 || i+1 >= len(c.steps) {
		return Step{}, false
	}
	return c.steps[i+1], true
}

// First returns the initial step.
func (c *Catalog) First() Step { return c.steps[0] }

// Terminal returns the last step.
func (c *Catalog) Terminal() Step { return c.steps[len(c.steps)-1] }

// IsTerminal reports whether value is the last step.
func (c *Catalog) IsTerminal(value string) bool {
	return value == c.Terminal().Value
}

// IsLiveness reports whether the step is a head-turn check.
func (s Step) IsLiveness() bool {
	return strings.HasPrefix(s.Value, livenessPrefix)
}

// RequiredMove returns the direction a liveness step asks for.
func (s Step) RequiredMove() (liveness.Direction, bool) {
	if !s.IsLiveness() {
		return "", false
	}
	d, err := liveness.ParseDirection(strings.TrimPrefix(s.Value, livenessPrefix))
	if err != nil {
		return "", false
	}
	return d, true
}
