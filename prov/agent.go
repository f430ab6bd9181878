// Package prov captures the provenance of changes made to digital asset
// records: who requested a change (an Agent) and what was done (an Action).
// Actions form a tree via subactions so that a single high-level request
// can record the finer-grained updates it triggered.
package prov

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Agent classes indicating the general trust level of the actor.
const (
	// AgentPublic marks an agent acting on behalf of a regular
	// authenticated user.
	AgentPublic = "public"

	// AgentAdmin marks an agent acting with administrative privileges.
	AgentAdmin = "admin"

	// AgentInvalid marks an agent whose identity could not be established.
	// Requests from invalid agents are normally rejected outright.
	AgentInvalid = "invalid"
)

// Anonymous is the actor identifier used when no authenticated identity is
// available.
const Anonymous = "anonymous"

// PublicGroup is the group that every actor is implicitly a member of.
const PublicGroup = "grp0:public"

// Agent identifies who is requesting an action on a record.  An agent is a
// combination of the software vehicle that the request came through (e.g.
// "midas", "pdp") and the actor, the identifier of the user the request is
// being made on behalf of.  An agent may carry a delegation chain when a
// service makes a request on behalf of another agent.
type Agent struct {
	vehicle string
	actor   string
	class   string
	groups  map[string]bool
	deleg   []string
	props   map[string]interface{}
}

// NewAgent creates an Agent.  If actor is empty, Anonymous is assumed; if
// class is empty, AgentInvalid is assumed.  The delegation chain lists the
// upstream agents, oldest first, each in "vehicle:actor" form.
func NewAgent(vehicle, class, actor string, delegation ...string) *Agent {
	if actor == "" {
		actor = Anonymous
	}
	if class == "" {
		class = AgentInvalid
	}
	return &Agent{
		vehicle: vehicle,
		actor:   actor,
		class:   class,
		groups:  map[string]bool{PublicGroup: true},
		deleg:   append([]string{}, delegation...),
		props:   map[string]interface{}{},
	}
}

// Vehicle returns the name of the software system the request came through.
func (a *Agent) Vehicle() string { return a.vehicle }

// Actor returns the identifier of the user the request is made on behalf of.
func (a *Agent) Actor() string { return a.actor }

// Class returns the agent class, one of AgentPublic, AgentAdmin, or
// AgentInvalid.
func (a *Agent) Class() string { return a.class }

// ID renders the agent as "vehicle:actor".
func (a *Agent) ID() string {
	if a.vehicle == "" {
		return a.actor
	}
	return a.vehicle + ":" + a.actor
}

// IsAnonymous reports whether this agent has no established user identity.
func (a *Agent) IsAnonymous() bool { return a.actor == Anonymous }

// Groups returns the groups the actor is known to belong to.  PublicGroup is
// always included.
func (a *Agent) Groups() []string {
	out := make([]string, 0, len(a.groups))
	for g := range a.groups {
		out = append(out, g)
	}
	return out
}

// AddGroup records the actor's membership in the named groups.
func (a *Agent) AddGroup(groups ...string) {
	for _, g := range groups {
		if g != "" {
			a.groups[g] = true
		}
	}
}

// InGroup reports whether the actor is known to belong to the named group.
func (a *Agent) InGroup(group string) bool { return a.groups[group] }

// Delegation returns the chain of upstream agents this request was delegated
// through, oldest first.
func (a *Agent) Delegation() []string { return append([]string{}, a.deleg...) }

// Delegate creates a new Agent representing this agent passing its request
// through another vehicle.  The returned agent keeps the actor and class but
// appends this agent's identity to the delegation chain.
func (a *Agent) Delegate(vehicle string) *Agent {
	out := NewAgent(vehicle, a.class, a.actor, append(a.Delegation(), a.ID())...)
	for g := range a.groups {
		out.groups[g] = true
	}
	for k, v := range a.props {
		out.props[k] = v
	}
	return out
}

// SetProperty attaches an arbitrary named property to the agent.
func (a *Agent) SetProperty(name string, val interface{}) { a.props[name] = val }

// Property returns a previously attached property value.
func (a *Agent) Property(name string) (interface{}, bool) {
	v, ok := a.props[name]
	return v, ok
}

// String implements fmt.Stringer.
func (a *Agent) String() string { return a.ID() }

type agentDoc struct {
	Vehicle    string                 `json:"vehicle"`
	Actor      string                 `json:"actor"`
	Class      string                 `json:"class"`
	Groups     []string               `json:"groups,omitempty"`
	Delegation []string               `json:"delegation,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (a *Agent) MarshalJSON() ([]byte, error) {
	return json.Marshal(agentDoc{
		Vehicle:    a.vehicle,
		Actor:      a.actor,
		Class:      a.class,
		Groups:     a.Groups(),
		Delegation: a.Delegation(),
		Properties: a.props,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Agent) UnmarshalJSON(data []byte) error {
	var doc agentDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse agent: %w", err)
	}
	na := NewAgent(doc.Vehicle, doc.Class, doc.Actor, doc.Delegation...)
	na.AddGroup(doc.Groups...)
	if doc.Properties != nil {
		na.props = doc.Properties
	}
	*a = *na
	return nil
}

// ParseAgentID splits an agent identifier of the form "vehicle:actor" into
// its parts.  An id without a colon is treated as a bare actor.
func ParseAgentID(id string) (vehicle, actor string) {
	if i := strings.Index(id, ":"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}
