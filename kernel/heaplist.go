// SPDX-License-Identifier: Unlicense OR MIT

package kernel

import (
	"github.com/pkg/errors"
)

const (
	ErrRegionOverlap kernError = "heap: region overlaps the list"
	ErrEmptyRegion   kernError = "heap: empty region"
	ErrNodeNotInList kernError = "heap: node not in list"
)

// heapList is a singly linked list of regions sorted by address.
// Its nodes live in a nodePool carved from its own metadata region.
type heapList struct {
	nodes *nodePool
	head  nodeHandle
	len   int
}

func newHeapList(mem memoryAccessor, meta Region) *heapList {
	return &heapList{nodes: newNodePool(mem, meta), head: noNode}
}

// add inserts r in address order. With merge set, adjacent regions
// are coalesced afterwards. add returns the node holding r.
func (l *heapList) add(r Region, merge bool) (nodeHandle, error) {
	if r.Empty() {
		return noNode, ErrEmptyRegion
	}
	prev, cur := noNode, l.head
	for cur != noNode && l.nodes.nodeRegion(cur).Addr < r.Addr {
		prev, cur = cur, l.nodes.next(cur)
	}
	if prev != noNode && l.nodes.nodeRegion(prev).Overlaps(r) ||
		cur != noNode && l.nodes.nodeRegion(cur).Overlaps(r) {
		return noNode, errors.Wrapf(ErrRegionOverlap, "add %v", r)
	}
	n, err := l.nodes.alloc()
	if err != nil {
		return noNode, err
	}
	l.nodes.setRegion(n, r)
	l.nodes.setNext(n, cur)
	if prev == noNode {
		l.head = n
	} else {
		l.nodes.setNext(prev, n)
	}
	l.len++
	if !merge {
		return n, nil
	}
	if err := l.merge(); err != nil {
		return noNode, err
	}
	return l.find(r.Addr), nil
}

// remove unlinks n and returns its region.
func (l *heapList) remove(n nodeHandle) (Region, error) {
	prev, cur := noNode, l.head
	for cur != noNode && cur != n {
		prev, cur = cur, l.nodes.next(cur)
	}
	if cur == noNode {
		return Region{}, errors.Wrapf(ErrNodeNotInList, "remove node %d", n)
	}
	r := l.nodes.nodeRegion(n)
	next := l.nodes.next(n)
	if prev == noNode {
		l.head = next
	} else {
		l.nodes.setNext(prev, next)
	}
	l.len--
	return r, l.nodes.free(n)
}

// merge coalesces every pair of neighbours where one ends at the
// start of the next. Running it twice changes nothing.
func (l *heapList) merge() error {
	cur := l.head
	for cur != noNode {
		next := l.nodes.next(cur)
		if next == noNode {
			return nil
		}
		r, nr := l.nodes.nodeRegion(cur), l.nodes.nodeRegion(next)
		if r.End() != nr.Addr {
			cur = next
			continue
		}
		l.nodes.setRegion(cur, Region{Addr: r.Addr, Size: r.Size + nr.Size})
		l.nodes.setNext(cur, l.nodes.next(next))
		l.len--
		if err := l.nodes.free(next); err != nil {
			return errors.Wrap(err, "merge")
		}
	}
	return nil
}

// find returns the node whose region contains addr.
func (l *heapList) find(addr uint64) nodeHandle {
	for n := l.head; n != noNode; n = l.nodes.next(n) {
		if l.nodes.nodeRegion(n).Includes(addr) {
			return n
		}
	}
	return noNode
}

// findStart returns the node whose region starts at addr.
func (l *heapList) findStart(addr uint64) nodeHandle {
	for n := l.head; n != noNode; n = l.nodes.next(n) {
		r := l.nodes.nodeRegion(n)
		if r.Addr == addr {
			return n
		}
		if r.Addr > addr {
			break
		}
	}
	return noNode
}

// each calls f for every node in address order until f returns
// false.
func (l *heapList) each(f func(n nodeHandle, r Region) bool) {
	for n := l.head; n != noNode; {
		next := l.nodes.next(n)
		if !f(n, l.nodes.nodeRegion(n)) {
			return
		}
		n = next
	}
}

func (l *heapList) regions() []Region {
	var rs []Region
	l.each(func(_ nodeHandle, r Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// size returns the total size of all regions.
func (l *heapList) size() uint64 {
	var sz uint64
	l.each(func(_ nodeHandle, r Region) bool {
		sz += r.Size
		return true
	})
	return sz
}
