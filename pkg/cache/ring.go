package cache

// ringNode is a node of a ring.
type ringNode[V any] struct {
	next  *ringNode[V]
	prev  *ringNode[V]
	Value V
}

// Next returns the following node; the node after the last one is the first one.
func (n *ringNode[V]) Next() *ringNode[V] {
	return n.next
}

// Prev returns the preceding node; the node before the first one is the last one.
func (n *ringNode[V]) Prev() *ringNode[V] {
	return n.prev
}

// ring is a circular doubly linked list. The CLOCK hand walks it without ever falling off an end.
type ring[V any] struct {
	head *ringNode[V]
	size int
}

// Len returns the number of nodes in the ring.
func (r *ring[V]) Len() int {
	return r.size
}

// Front returns the oldest node or nil if the ring is empty.
func (r *ring[V]) Front() *ringNode[V] {
	return r.head
}

// Back returns the newest node or nil if the ring is empty.
func (r *ring[V]) Back() *ringNode[V] {
	if r.head == nil {
		return nil
	}
	return r.head.prev
}

// PushBack inserts a new value right behind the front, i.e. as the newest node.
func (r *ring[V]) PushBack(v V) *ringNode[V] {
	n := &ringNode[V]{Value: v}
	if r.head == nil { // Ring was empty; a single node points to itself.
		n.next, n.prev = n, n
		r.head = n
	} else {
		tail := r.head.prev
		n.prev, n.next = tail, r.head
		tail.next = n
		r.head.prev = n
	}
	r.size++
	return n
}

// Remove unlinks `n` from the ring. It returns the node that followed `n`, or nil if the ring became empty.
func (r *ring[V]) Remove(n *ringNode[V]) *ringNode[V] {
	if n.next == nil { // Already removed.
		return nil
	}
	following := n.next
	if following == n { // Last node.
		r.head = nil
		following = nil
	} else {
		n.prev.next = n.next
		n.next.prev = n.prev
		if r.head == n {
			r.head = n.next
		}
	}
	n.next, n.prev = nil, nil
	r.size--
	return following
}

// Clear drops every node.
func (r *ring[V]) Clear() {
	r.head = nil
	r.size = 0
}
