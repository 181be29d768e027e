package progress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"Fast-TileCache/internal/fetch"
)

// DefaultSlowThreshold timeouts after which a layer counts as slow.
const DefaultSlowThreshold = 10

// SlowNotifier counts request timeouts per layer and names the layers that
// reached the threshold, in the order they got there.
type SlowNotifier struct {
	mu        sync.Mutex
	threshold int
	counts    map[int]int
	slow      *orderedmap.OrderedMap[int, string]
}

// NewSlowNotifier flags a layer after threshold timeouts.
func NewSlowNotifier(threshold int) *SlowNotifier {
	if threshold <= 0 {
		threshold = DefaultSlowThreshold
	}
	return &SlowNotifier{
		threshold: threshold,
		counts:    map[int]int{},
		slow:      orderedmap.New[int, string](),
	}
}

// Record counts err against the layer when it is a timeout. It reports
// whether this call made the layer slow.
func (n *SlowNotifier) Record(layerID int, name string, err error) bool {
	if !fetch.IsTimeout(err) && !errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.counts[layerID]++
	if n.counts[layerID] < n.threshold {
		return false
	}
	if _, ok := n.slow.Get(layerID); ok {
		return false
	}
	n.slow.Set(layerID, name)
	return true
}

// Slow names of the slow layers.
func (n *SlowNotifier) Slow() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, n.slow.Len())
	for p := n.slow.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Value)
	}
	return names
}

// Warning user facing text, empty while no layer is slow.
func (n *SlowNotifier) Warning() string {
	names := n.Slow()
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("The %s layer is responding slowly and may be missing from some tiles.", names[0])
	}
	return fmt.Sprintf("The %s layers are responding slowly and may be missing from some tiles.", JoinNames(names))
}

// JoinNames "a", "a and b", "a, b, and c".
func JoinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	}
	return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
}
