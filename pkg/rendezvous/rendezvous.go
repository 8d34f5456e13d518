package rendezvous

import (
	"sort"

	"github.com/spaolacci/murmur3"
)

// Member is a placement candidate. ID must be unique and stable across
// restarts; Addr is carried through so callers can dial the chosen holders.
type Member struct {
	ID   string
	Addr string
}

// Picker selects replica holders for a key using highest-random-weight
// (rendezvous) hashing. Placement is deterministic for a given member set
// and moves only the keys owned by a departed member when membership
// changes, so repair after a node loss touches the minimum set of records.
type Picker struct{}

// New creates a rendezvous picker.
func New() *Picker {
	return &Picker{}
}

// score hashes the (key, member) pair into a 64-bit weight.
func score(key string, memberID string) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(memberID))
	return h.Sum64()
}

// Pick returns up to n members ordered by descending weight for key.
// If n >= len(members), all members are returned (still weight-ordered, so
// the "preferred holder" ordering stays meaningful for read routing).
func (p *Picker) Pick(key string, members []Member, n int) []Member {
	if len(members) == 0 || n <= 0 {
		return nil
	}

	type weighted struct {
		member Member
		weight uint64
	}

	ranked := make([]weighted, 0, len(members))
	for _, m := range members {
		ranked = append(ranked, weighted{member: m, weight: score(key, m.ID)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].weight != ranked[j].weight {
			return ranked[i].weight > ranked[j].weight
		}
		return ranked[i].member.ID < ranked[j].member.ID
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]Member, 0, n)
	for _, w := range ranked[:n] {
		out = append(out, w.member)
	}
	return out
}

// Owns reports whether memberID is one of the top-n holders for key.
func (p *Picker) Owns(key string, members []Member, n int, memberID string) bool {
	for _, m := range p.Pick(key, members, n) {
		if m.ID == memberID {
			return true
		}
	}
	return false
}
