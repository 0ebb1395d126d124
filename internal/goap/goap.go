// Package goap implements the pure precondition/effect semantics of the
// planner: whether an action's preconditions are met in a world state,
// how much progress a goal has made, and how effects merge into world
// state. None of these functions touch the store; they operate on JSON
// byte slices so callers can feed them straight from a stored column.
package goap

import "encoding/json"

// Progress summarizes how close a goal is to completion.
type Progress struct {
	Complete  bool `json:"complete"`
	Satisfied int  `json:"satisfied"`
	Total     int  `json:"total"`
}

// PreconditionsMet reports whether every string element of preconditions
// (a JSON array) is present in worldState (a JSON object) mapped to the
// boolean true. A missing, empty, or `null` preconditions array is
// vacuously satisfied, without worldState being parsed. Non-string
// elements are ignored. Malformed preconditions JSON yields false, and
// so does malformed worldState JSON when there is at least one
// precondition key to check.
func PreconditionsMet(preconditions, worldState []byte) bool {
	keys, ok := decodeStringArray(preconditions)
	if !ok {
		return false
	}
	if len(keys) == 0 {
		return true
	}

	world, ok := decodeBoolMap(worldState)
	if !ok {
		return false
	}

	for _, k := range keys {
		if v, present := world[k]; !present || !v {
			return false
		}
	}
	return true
}

// ComputeProgress iterates the keys of goalState (always treated as an
// object) and counts how many are present as true in worldState. A goal
// whose goalState is `{}` reports {Complete: true, Satisfied: 0, Total: 0}.
func ComputeProgress(goalState, worldState []byte) Progress {
	goal, ok := decodeBoolMap(goalState)
	if !ok || len(goal) == 0 {
		return Progress{Complete: true, Satisfied: 0, Total: 0}
	}
	world, _ := decodeBoolMap(worldState)

	satisfied := 0
	for k := range goal {
		if world[k] {
			satisfied++
		}
	}
	total := len(goal)
	return Progress{Complete: satisfied == total, Satisfied: satisfied, Total: total}
}

// MergeWorldState returns a new world-state JSON object where every
// boolean-valued key in assertions replaces the corresponding key in
// current; keys not mentioned in assertions are retained unchanged, and
// non-boolean entries in assertions are ignored. The result is
// associative when restricted to boolean values: repeated merges of
// disjoint or overlapping assertion sets commute with a single combined
// merge.
func MergeWorldState(current, assertions []byte) ([]byte, error) {
	merged := map[string]bool{}
	if len(current) > 0 {
		if m, ok := decodeBoolMap(current); ok {
			merged = m
		}
	}

	var raw map[string]any
	if len(assertions) > 0 {
		if err := json.Unmarshal(assertions, &raw); err != nil {
			return nil, err
		}
	}
	for k, v := range raw {
		b, ok := v.(bool)
		if !ok {
			continue
		}
		merged[k] = b
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStringArray(data []byte) ([]string, bool) {
	if len(data) == 0 {
		return nil, true
	}
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		// A bare `null` is valid JSON and means "absent".
		var n any
		if err2 := json.Unmarshal(data, &n); err2 == nil && n == nil {
			return nil, true
		}
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func decodeBoolMap(data []byte) (map[string]bool, bool) {
	if len(data) == 0 {
		return map[string]bool{}, true
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		if b, ok := v.(bool); ok {
			out[k] = b
		}
	}
	return out, true
}
