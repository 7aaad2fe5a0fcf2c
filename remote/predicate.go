////////////////////////////////////////////////////////////////////////////////
// Copyright © 2025 Tern Foundation                                           //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package remote

import "encoding/json"

// Cond is one equality test against a named row column.
type Cond struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// Group is a set of conditions that must all hold.
type Group []Cond

// Predicate selects rows: the groups are ORed, the conditions inside each
// group are ANDed. Predicates are plain data and serialize to JSON, so the
// same value drives a server-side query and client-side event filtering. A
// nil or empty Predicate matches every row.
type Predicate []Group

// Eq starts a predicate with a single equality condition.
func Eq(column string, value any) Predicate {
	return Predicate{{Cond{Column: column, Value: value}}}
}

// AndEq narrows the predicate by adding the condition to every group.
func (p Predicate) AndEq(column string, value any) Predicate {
	out := make(Predicate, len(p))
	for i, g := range p {
		ng := make(Group, len(g), len(g)+1)
		copy(ng, g)
		out[i] = append(ng, Cond{Column: column, Value: value})
	}
	return out
}

// Or combines predicates into one that matches when any of them match.
func Or(preds ...Predicate) Predicate {
	var out Predicate
	for _, p := range preds {
		out = append(out, p...)
	}
	return out
}

// Match reports whether a row, decoded as a generic JSON object, satisfies
// the predicate.
func (p Predicate) Match(row map[string]any) bool {
	if len(p) == 0 {
		return true
	}
	for _, g := range p {
		if g.match(row) {
			return true
		}
	}
	return false
}

// MatchJSON decodes raw as a JSON object and matches it. Undecodable rows
// never match.
func (p Predicate) MatchJSON(raw json.RawMessage) bool {
	if len(p) == 0 {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return false
	}
	return p.Match(row)
}

func (g Group) match(row map[string]any) bool {
	for _, c := range g {
		got, ok := row[c.Column]
		if !ok || !valueEqual(got, c.Value) {
			return false
		}
	}
	return true
}

// valueEqual compares a decoded JSON value with a condition value. Condition
// values may come straight from Go code or from a JSON round trip, so numbers
// are compared across integer and float representations.
func valueEqual(got, want any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	case nil:
		return got == nil
	}
	gf, gok := toFloat64(got)
	wf, wok := toFloat64(want)
	return gok && wok && gf == wf
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Domain topic predicates. These encode the feed and query shapes the
// synchronizers rely on; keeping them here keeps the column names in one
// place.

// FriendshipsTouching matches every friendship where userID is either side.
func FriendshipsTouching(userID string) Predicate {
	return Or(Eq("requester_id", userID), Eq("addressee_id", userID))
}

// FriendshipBetween matches the (at most one) friendship row for the
// unordered {a, b} pair.
func FriendshipBetween(a, b string) Predicate {
	return Or(
		Eq("requester_id", a).AndEq("addressee_id", b),
		Eq("requester_id", b).AndEq("addressee_id", a),
	)
}

// PendingRequestsFor matches pending friendships addressed to userID.
func PendingRequestsFor(userID string) Predicate {
	return Eq("addressee_id", userID).
		AndEq("status", string(FriendshipPending))
}

// MessagesBetween matches both directions of the unordered {a, b}
// conversation.
func MessagesBetween(a, b string) Predicate {
	return Or(
		Eq("sender_id", a).AndEq("receiver_id", b),
		Eq("sender_id", b).AndEq("receiver_id", a),
	)
}

// NotificationsFor matches notifications owned by userID.
func NotificationsFor(userID string) Predicate {
	return Eq("owner_id", userID)
}
