package router

import (
	"context"
	"math"
	"math/rand"
	"net"
	"sort"
	"sync/atomic"

	"github.com/driftlabs/vipgate/internal/config"
	"github.com/driftlabs/vipgate/internal/metrics"
)

// balancer implements power-of-two-choices weighted load balancing over a
// single app's targets. The load metric for a target is its selection count
// so far plus one, divided by its configured weight: a target selected proportionally
// less often than its weight entitles it to always looks less loaded, which
// makes the aggregate selection frequency converge to be proportional to
// weight (spec.md §4.3 and §9) while still drawing two random candidates and
// comparing a numeric load metric on every request, as specified.
type balancer struct {
	appIP   string
	targets []config.AppTarget
	counts  []uint64 // atomic selection counters, parallel to targets
}

func newBalancer(appIP string, targets []config.AppTarget) *balancer {
	sorted := make([]config.AppTarget, len(targets))
	copy(sorted, targets)
	// Deterministic candidate ordering makes tie-breaking reproducible
	// (spec.md §9 open question): sort lexicographically by IP up front so
	// ties always resolve to the same candidate.
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IPAddr < sorted[j].IPAddr })

	return &balancer{
		appIP:   appIP,
		targets: sorted,
		counts:  make([]uint64, len(sorted)),
	}
}

func (b *balancer) dial(ctx context.Context, port int) (net.Conn, error) {
	live := make([]int, len(b.targets))
	for i := range live {
		live[i] = i
	}

	for len(live) > 0 {
		pick := b.selectFrom(live)
		target := b.targets[pick]
		atomic.AddUint64(&b.counts[pick], 1)
		metrics.TargetSelections.WithLabelValues(b.appIP, target.IPAddr).Inc()

		conn, err := dialFunc(ctx, target.IPAddr, port)
		if err == nil {
			return conn, nil
		}

		live = removeValue(live, pick)
	}

	return nil, ErrConnectionExhausted
}

// selectFrom draws two distinct candidates from live at random and returns
// the index (into b.targets) of whichever currently carries the smaller
// load metric. With a single candidate remaining it is returned directly.
func (b *balancer) selectFrom(live []int) int {
	if len(live) == 1 {
		return live[0]
	}

	x, y := randomDistinctPair(len(live))
	i, j := live[x], live[y]

	li, lj := b.load(i), b.load(j)
	if li < lj {
		return i
	}
	if lj < li {
		return j
	}
	if i < j {
		return i
	}
	return j
}

// load is the effective load metric: selections so far scaled by the
// inverse of weight. A zero-weight target (spec.md §3: "0 permitted but
// means never selected when any positive-weight target is ready") reports
// the maximum possible load so it only wins when every live candidate is
// also zero-weight.
func (b *balancer) load(i int) float64 {
	weight := b.targets[i].Weight
	if weight == 0 {
		return math.MaxFloat64
	}
	return float64(atomic.LoadUint64(&b.counts[i])+1) / float64(weight)
}

func randomDistinctPair(n int) (int, int) {
	x := rand.Intn(n)
	y := rand.Intn(n - 1)
	if y >= x {
		y++
	}
	return x, y
}

func removeValue(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
