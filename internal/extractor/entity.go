package extractor

import "sort"

// EntityType classifies an extracted value.
type EntityType string

const (
	EntityNumber   EntityType = "number"
	EntityTime     EntityType = "time"
	EntityDate     EntityType = "date"
	EntityLocation EntityType = "location"
	EntityName     EntityType = "name"
	EntityText     EntityType = "text"
)

// Entity is one typed value found in a message.
//
// Value holds an int for numbers, a "15:04" string for times, a "2006-01-02"
// string for dates and a string otherwise, so entities survive a JSON round
// trip through conversation context unchanged.
type Entity struct {
	Type  EntityType `json:"type"`
	Value any        `json:"value"`

	// Raw is the matched text as it appeared in the normalized message.
	Raw string `json:"raw"`

	// Source is "rule" or "llm".
	Source string `json:"source"`
}

// Entities maps variable names (bay, time, date, location, name, ...) to values.
type Entities map[string]Entity

// Has reports whether any entity of type t is present.
func (e Entities) Has(t EntityType) bool {
	for _, ent := range e {
		if ent.Type == t {
			return true
		}
	}
	return false
}

// Names returns the entity names in sorted order.
func (e Entities) Names() []string {
	names := make([]string, 0, len(e))
	for k := range e {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// AsContext returns the values keyed by name for template rendering. A
// recognized personal name is also exposed as customer.name.
func (e Entities) AsContext() map[string]any {
	out := make(map[string]any, len(e)+1)
	for k, ent := range e {
		out[k] = ent.Value
	}
	if n, ok := e["name"]; ok {
		out["customer"] = map[string]any{"name": n.Value}
	}
	return out
}

// Merge overlays e onto prior and returns a new map. Values in e win.
func (e Entities) Merge(prior map[string]any) map[string]any {
	out := make(map[string]any, len(prior)+len(e))
	for k, v := range prior {
		out[k] = v
	}
	for k, v := range e.AsContext() {
		out[k] = v
	}
	return out
}
