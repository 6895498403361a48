package detect

import (
	"math"

	"github.com/imobcrm/geodedup/internal/model"
	"github.com/imobcrm/geodedup/internal/normalize"
)

// Candidate is one clustered duplicate group before LLM validation and
// persistence.
type Candidate struct {
	Kind           model.EntityKind
	ParentID       string
	MemberIDs      []string
	MemberNames    []string
	MeanScore      float64
	NormalizedName string
}

// unionFind is a classic disjoint-set structure over string ids with path
// compression.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(x string) string {
	root, ok := u.parent[x]
	if !ok {
		u.parent[x] = x
		return x
	}
	if root == x {
		return x
	}
	top := u.find(root)
	u.parent[x] = top
	return top
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}

// Cluster groups the surviving pairs into connected components and emits one
// Candidate per component of size >= 2. Member order within a component is
// discovery order (the order ids first appear across the pairs, which follow
// the detector's score-descending output). The mean score averages every edge
// inside the component, rounded to 2 decimals, and the normalized name folds
// the first member's original spelling.
func Cluster(kind model.EntityKind, pairs []model.SimilarPair) []Candidate {
	if len(pairs) == 0 {
		return nil
	}

	uf := newUnionFind()
	names := make(map[string]string)
	parents := make(map[string]string)
	var order []string

	seen := func(id, name, parent string) {
		if _, ok := names[id]; !ok {
			names[id] = name
			parents[id] = parent
			order = append(order, id)
		}
	}

	for _, p := range pairs {
		seen(p.IDA, p.NameA, p.ParentID)
		seen(p.IDB, p.NameB, p.ParentID)
		uf.union(p.IDA, p.IDB)
	}

	// Accumulate edge scores per component root.
	scoreSum := make(map[string]float64)
	scoreCount := make(map[string]int)
	for _, p := range pairs {
		root := uf.find(p.IDA)
		scoreSum[root] += p.Score
		scoreCount[root]++
	}

	// Collect members per root in discovery order.
	components := make(map[string][]string)
	var rootOrder []string
	for _, id := range order {
		root := uf.find(id)
		if _, ok := components[root]; !ok {
			rootOrder = append(rootOrder, root)
		}
		components[root] = append(components[root], id)
	}

	var out []Candidate
	for _, root := range rootOrder {
		members := components[root]
		if len(members) < 2 {
			continue
		}

		c := Candidate{
			Kind:      kind,
			ParentID:  parents[members[0]],
			MemberIDs: members,
			MeanScore: round2(scoreSum[root] / float64(scoreCount[root])),
		}
		c.MemberNames = make([]string, len(members))
		for i, id := range members {
			c.MemberNames[i] = names[id]
		}
		c.NormalizedName = normalize.FoldForKind(c.MemberNames[0], kind)
		out = append(out, c)
	}
	return out
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
