package distributor

import (
	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Selection is the slot a selector picked for a request
type Selection struct {
	NodeID models.NodeID
	SlotID models.SlotID
	// Capabilities is the alternative that matched the slot's stereotype
	Capabilities models.Capabilities
}

// SlotSelector decides which free slot, if any, serves a request.
// Implementations must not modify nodes; they are handed a snapshot in
// registration order.
type SlotSelector interface {
	Select(alternatives []models.Capabilities, nodes []models.NodeStatus) (Selection, bool)
}

// SelectorFunc adapts a function to SlotSelector
type SelectorFunc func(alternatives []models.Capabilities, nodes []models.NodeStatus) (Selection, bool)

func (f SelectorFunc) Select(alternatives []models.Capabilities, nodes []models.NodeStatus) (Selection, bool) {
	return f(alternatives, nodes)
}

// DefaultSlotSelector tries alternatives in caller order. For the first
// alternative any node can serve, it spreads load by choosing the node with
// the most free capacity, preferring earlier registrations on ties.
type DefaultSlotSelector struct{}

func (DefaultSlotSelector) Select(alternatives []models.Capabilities, nodes []models.NodeStatus) (Selection, bool) {
	for _, caps := range alternatives {
		best, bestFree := Selection{}, -1
		for _, n := range nodes {
			if !n.HasCapacity() {
				continue
			}
			slot, ok := firstMatchingSlot(n, caps)
			if !ok {
				continue
			}
			if free := n.FreeCapacity(); free > bestFree {
				best = Selection{NodeID: n.ID, SlotID: slot, Capabilities: caps}
				bestFree = free
			}
		}
		if bestFree >= 0 {
			return best, true
		}
	}
	return Selection{}, false
}

func firstMatchingSlot(n models.NodeStatus, caps models.Capabilities) (models.SlotID, bool) {
	for _, s := range n.Slots {
		if s.Free() && caps.Matches(s.Stereotype) {
			return s.ID, true
		}
	}
	return "", false
}
