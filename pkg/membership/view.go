package membership

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyView       = errors.New("view has no members")
	ErrShapeMismatch   = errors.New("members and addresses differ in length")
	ErrDuplicateMember = errors.New("duplicate member in view")
	ErrDuplicateAddr   = errors.New("duplicate address in view")
	ErrNotMember       = errors.New("endpoint is not a member of the view")
)

// Endpoint is the stable logical identity of a group member. It does not
// change when the member's network address does.
type Endpoint string

func (e Endpoint) Compare(o Endpoint) int {
	return strings.Compare(string(e), string(o))
}

// ViewID orders views: higher logical time wins, ties go to the creator
// endpoint.
type ViewID struct {
	LTime   int64
	Creator Endpoint
}

func (id ViewID) Compare(o ViewID) int {
	switch {
	case id.LTime > o.LTime:
		return 1
	case id.LTime < o.LTime:
		return -1
	}
	return id.Creator.Compare(o.Creator)
}

func (id ViewID) IsZero() bool {
	return id.LTime == 0 && id.Creator == ""
}

func (id ViewID) String() string {
	return fmt.Sprintf("%d@%s", id.LTime, id.Creator)
}

// View is an agreed membership snapshot. A View is never modified after it
// has been installed; a change produces a new View.
type View struct {
	Group    string
	ID       ViewID
	Members  []Endpoint
	Addrs    []string
	Previous []ViewID
}

// NewView builds a view and validates it.
func NewView(group string, id ViewID, members []Endpoint, addrs []string, previous []ViewID) (*View, error) {
	v := &View{
		Group:    group,
		ID:       id,
		Members:  slices.Clone(members),
		Addrs:    slices.Clone(addrs),
		Previous: slices.Clone(previous),
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}

// Singleton is the view a process installs when it starts alone.
func Singleton(group string, self Endpoint, addr string, ltime int64, previous ...ViewID) *View {
	return &View{
		Group:    group,
		ID:       ViewID{LTime: ltime, Creator: self},
		Members:  []Endpoint{self},
		Addrs:    []string{addr},
		Previous: slices.Clone(previous),
	}
}

func (v *View) Validate() error {
	if len(v.Members) == 0 {
		return ErrEmptyView
	}
	if len(v.Members) != len(v.Addrs) {
		return ErrShapeMismatch
	}
	seenMember := make(map[Endpoint]struct{}, len(v.Members))
	seenAddr := make(map[string]struct{}, len(v.Addrs))
	for i, m := range v.Members {
		if _, ok := seenMember[m]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateMember, m)
		}
		seenMember[m] = struct{}{}
		if _, ok := seenAddr[v.Addrs[i]]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateAddr, v.Addrs[i])
		}
		seenAddr[v.Addrs[i]] = struct{}{}
	}
	return nil
}

func (v *View) Size() int { return len(v.Members) }

// Rank returns the index of e in the view, or -1.
func (v *View) Rank(e Endpoint) int {
	return slices.Index(v.Members, e)
}

// RankOfAddr returns the rank owning addr, or -1.
func (v *View) RankOfAddr(addr string) int {
	return slices.Index(v.Addrs, addr)
}

func (v *View) Contains(e Endpoint) bool { return v.Rank(e) >= 0 }

// Supersedes reports whether id is one of the views this view replaced.
func (v *View) Supersedes(id ViewID) bool {
	return slices.Contains(v.Previous, id)
}

// Next derives the successor view created by creator that keeps the members
// for which keep returns true. Member order is preserved so surviving ranks
// only shift down.
func (v *View) Next(creator Endpoint, keep func(rank int) bool) (*View, error) {
	next := &View{
		Group:    v.Group,
		ID:       ViewID{LTime: v.ID.LTime + 1, Creator: creator},
		Previous: []ViewID{v.ID},
	}
	for r, m := range v.Members {
		if keep(r) {
			next.Members = append(next.Members, m)
			next.Addrs = append(next.Addrs, v.Addrs[r])
		}
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func (v *View) String() string {
	return fmt.Sprintf("%s%v", v.ID, v.Members)
}

// Merge combines candidate views, given in the agreed candidate order, into
// one view. Members are taken candidate by candidate; an endpoint or address
// already present is skipped. Every participant that merges the same ordered
// candidates obtains the same view.
func Merge(group string, parts []*View) (*View, error) {
	if len(parts) == 0 {
		return nil, ErrEmptyView
	}
	merged := &View{Group: group}
	seenMember := make(map[Endpoint]struct{})
	seenAddr := make(map[string]struct{})
	var ltime int64
	for _, p := range parts {
		if p.ID.LTime > ltime {
			ltime = p.ID.LTime
		}
		merged.Previous = append(merged.Previous, p.ID)
		for i, m := range p.Members {
			if _, ok := seenMember[m]; ok {
				continue
			}
			if _, ok := seenAddr[p.Addrs[i]]; ok {
				continue
			}
			seenMember[m] = struct{}{}
			seenAddr[p.Addrs[i]] = struct{}{}
			merged.Members = append(merged.Members, m)
			merged.Addrs = append(merged.Addrs, p.Addrs[i])
		}
	}
	if len(merged.Members) == 0 {
		return nil, ErrEmptyView
	}
	merged.ID = ViewID{LTime: ltime + 1, Creator: merged.Members[0]}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}
