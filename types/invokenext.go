package types

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// Ref is a resolved successor reference: a node name and a fan-out width.
// "name" parses to rank 1; "name(K)" fans out into K shards.
type Ref struct {
	Name string
	Rank int
}

// String renders the reference back in its wire form.
func (r Ref) String() string {
	if r.Rank > 1 {
		return fmt.Sprintf("%s(%d)", r.Name, r.Rank)
	}
	return r.Name
}

var (
	nameExpr   = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
	rankedExpr = regexp.MustCompile(`^([A-Za-z0-9_][A-Za-z0-9_.-]*)\(([0-9]+)\)$`)
)

// ParseRef parses a successor reference. "name" yields rank 1, "name(K)"
// yields rank K with K >= 1. Anything else is rejected.
func ParseRef(s string) (Ref, error) {
	if m := rankedExpr.FindStringSubmatch(s); m != nil {
		var rank int
		if _, err := fmt.Sscanf(m[2], "%d", &rank); err != nil || rank < 1 {
			return Ref{}, fmt.Errorf("invoke next: invalid rank in %q", s)
		}
		return Ref{Name: m[1], Rank: rank}, nil
	}
	if nameExpr.MatchString(s) {
		return Ref{Name: s, Rank: 1}, nil
	}
	return Ref{}, fmt.Errorf("invoke next: malformed reference %q", s)
}

// Successor is one element of an InvokeNext sequence: either a plain
// reference or a conditional mapping from stringified return value to
// references. Exactly one of Ref and Cond is set.
type Successor struct {
	Ref  *Ref
	Cond map[string][]Ref
}

// IsCond reports whether this element is a conditional mapping.
func (s Successor) IsCond() bool { return s.Cond != nil }

// InvokeNext is the ordered successor sequence of a node. The wire form is a
// JSON array (or bare element) whose members are reference strings or
// conditional objects.
type InvokeNext []Successor

// HasConditional reports whether any element is a conditional mapping.
// When one is present the user function must have produced a return value.
func (in InvokeNext) HasConditional() bool {
	for _, s := range in {
		if s.IsCond() {
			return true
		}
	}
	return false
}

// AllRefs returns every reference reachable from the sequence, including
// all conditional branches. Used for document validation and predecessor
// counting.
func (in InvokeNext) AllRefs() []Ref {
	var refs []Ref
	for _, s := range in {
		if s.Ref != nil {
			refs = append(refs, *s.Ref)
			continue
		}
		keys := make([]string, 0, len(s.Cond))
		for k := range s.Cond {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			refs = append(refs, s.Cond[k]...)
		}
	}
	return refs
}

// UnmarshalJSON accepts a bare element or an array of elements. Elements are
// reference strings or objects mapping stringified return values to a
// reference string or array of reference strings.
func (in *InvokeNext) UnmarshalJSON(data []byte) error {
	var rawSeq []json.RawMessage
	if err := json.Unmarshal(data, &rawSeq); err != nil {
		// Bare element: normalize to a one-element sequence.
		rawSeq = []json.RawMessage{data}
	}

	out := make(InvokeNext, 0, len(rawSeq))
	for _, raw := range rawSeq {
		succ, err := unmarshalSuccessor(raw)
		if err != nil {
			return err
		}
		out = append(out, succ)
	}
	*in = out
	return nil
}

func unmarshalSuccessor(raw json.RawMessage) (Successor, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ref, err := ParseRef(s)
		if err != nil {
			return Successor{}, err
		}
		return Successor{Ref: &ref}, nil
	}

	var branches map[string]json.RawMessage
	if err := json.Unmarshal(raw, &branches); err != nil {
		return Successor{}, fmt.Errorf("invoke next: element is neither reference nor conditional: %s", raw)
	}

	cond := make(map[string][]Ref, len(branches))
	for key, val := range branches {
		refs, err := unmarshalBranch(val)
		if err != nil {
			return Successor{}, fmt.Errorf("invoke next: branch %q: %w", key, err)
		}
		cond[key] = refs
	}
	return Successor{Cond: cond}, nil
}

func unmarshalBranch(raw json.RawMessage) ([]Ref, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ref, err := ParseRef(s)
		if err != nil {
			return nil, err
		}
		return []Ref{ref}, nil
	}
	var seq []string
	if err := json.Unmarshal(raw, &seq); err != nil {
		return nil, fmt.Errorf("value is neither reference nor sequence")
	}
	refs := make([]Ref, 0, len(seq))
	for _, elem := range seq {
		ref, err := ParseRef(elem)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// MarshalJSON renders the sequence back in its wire form: reference strings
// for plain elements, objects for conditionals. Single-reference branches
// serialize as a bare string, matching authored documents.
func (in InvokeNext) MarshalJSON() ([]byte, error) {
	out := make([]any, 0, len(in))
	for _, s := range in {
		if s.Ref != nil {
			out = append(out, s.Ref.String())
			continue
		}
		branches := make(map[string]any, len(s.Cond))
		for key, refs := range s.Cond {
			if len(refs) == 1 {
				branches[key] = refs[0].String()
				continue
			}
			names := make([]string, 0, len(refs))
			for _, r := range refs {
				names = append(names, r.String())
			}
			branches[key] = names
		}
		out = append(out, branches)
	}
	return json.Marshal(out)
}
