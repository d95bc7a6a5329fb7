package cache

import (
	"container/list"
	"sync"
)

// arcNode is the payload carried by a T1/T2 list element.
type arcNode struct {
	key   string
	value any
}

// arc implements Adaptive Replacement Cache eviction (Megiddo & Modha):
// T1/T2 hold live entries split by recency vs. frequency, B1/B2 hold only
// keys ("ghosts") of recently evicted entries, and the adaptive parameter p
// shifts capacity between T1 and T2 based on which ghost list is getting
// hits. This is the eviction policy behind the Response Cache (C9); it is
// deliberately not wired into the generic Cache interface (MGet/Keys/
// DeleteByPattern have no ARC-specific meaning), it backs ResponseCache
// directly.
type arc struct {
	mu       sync.Mutex
	capacity int
	p        int

	t1, t2, b1, b2       *list.List
	t1m, t2m, b1m, b2m   map[string]*list.Element

	onEvict func(list string)
}

func newARC(capacity int, onEvict func(list string)) *arc {
	if capacity <= 0 {
		capacity = 1
	}
	return &arc{
		capacity: capacity,
		t1:       list.New(),
		t2:       list.New(),
		b1:       list.New(),
		b2:       list.New(),
		t1m:      make(map[string]*list.Element),
		t2m:      make(map[string]*list.Element),
		b1m:      make(map[string]*list.Element),
		b2m:      make(map[string]*list.Element),
		onEvict:  onEvict,
	}
}

// get returns the cached value for key and reports whether it was a hit.
// A hit promotes the entry to the MRU end of T2 (frequency list).
func (a *arc) get(key string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.t1m[key]; ok {
		node := el.Value.(*arcNode)
		a.t1.Remove(el)
		delete(a.t1m, key)
		ne := a.t2.PushFront(node)
		a.t2m[key] = ne
		return node.value, true
	}
	if el, ok := a.t2m[key]; ok {
		a.t2.MoveToFront(el)
		return el.Value.(*arcNode).value, true
	}
	return nil, false
}

// put inserts or updates key with value, running the full ARC admission
// and replacement algorithm.
func (a *arc) put(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.t1m[key]; ok {
		node := el.Value.(*arcNode)
		node.value = value
		a.t1.Remove(el)
		delete(a.t1m, key)
		ne := a.t2.PushFront(node)
		a.t2m[key] = ne
		return
	}
	if el, ok := a.t2m[key]; ok {
		el.Value.(*arcNode).value = value
		a.t2.MoveToFront(el)
		return
	}

	if el, ok := a.b1m[key]; ok {
		b1Len, b2Len := a.b1.Len(), a.b2.Len()
		delta := 1
		if b2Len > b1Len && b1Len > 0 {
			delta = b2Len / b1Len
		}
		a.p = min(a.capacity, a.p+delta)
		a.replace(false)
		a.b1.Remove(el)
		delete(a.b1m, key)
		node := &arcNode{key: key, value: value}
		ne := a.t2.PushFront(node)
		a.t2m[key] = ne
		return
	}
	if el, ok := a.b2m[key]; ok {
		b1Len, b2Len := a.b1.Len(), a.b2.Len()
		delta := 1
		if b1Len > b2Len && b2Len > 0 {
			delta = b1Len / b2Len
		}
		a.p = max(0, a.p-delta)
		a.replace(true)
		a.b2.Remove(el)
		delete(a.b2m, key)
		node := &arcNode{key: key, value: value}
		ne := a.t2.PushFront(node)
		a.t2m[key] = ne
		return
	}

	// Cache miss: key is in none of T1/T2/B1/B2.
	t1Len, b1Len := a.t1.Len(), a.b1.Len()
	if t1Len+b1Len == a.capacity {
		if t1Len < a.capacity {
			a.evictLRUGhost(a.b1, a.b1m)
			a.replace(false)
		} else {
			a.evictLRU(a.t1, a.t1m, "t1")
		}
	} else if total := t1Len + a.t2.Len() + b1Len + a.b2.Len(); total >= a.capacity {
		if total >= 2*a.capacity {
			a.evictLRUGhost(a.b2, a.b2m)
		}
		a.replace(false)
	}

	node := &arcNode{key: key, value: value}
	ne := a.t1.PushFront(node)
	a.t1m[key] = ne
}

// replace evicts one entry from T1 or T2 into the matching ghost list, per
// the ARC REPLACE procedure. inB2 indicates the triggering access was a B2
// ghost hit, which biases the choice toward evicting from T1.
func (a *arc) replace(inB2 bool) {
	t1Len := a.t1.Len()
	if t1Len >= 1 && (t1Len > a.p || (inB2 && t1Len == a.p)) {
		el := a.t1.Back()
		if el == nil {
			return
		}
		node := el.Value.(*arcNode)
		a.t1.Remove(el)
		delete(a.t1m, node.key)
		ge := a.b1.PushFront(node.key)
		a.b1m[node.key] = ge
		if a.onEvict != nil {
			a.onEvict("t1")
		}
		return
	}

	el := a.t2.Back()
	if el == nil {
		return
	}
	node := el.Value.(*arcNode)
	a.t2.Remove(el)
	delete(a.t2m, node.key)
	ge := a.b2.PushFront(node.key)
	a.b2m[node.key] = ge
	if a.onEvict != nil {
		a.onEvict("t2")
	}
}

func (a *arc) evictLRU(l *list.List, m map[string]*list.Element, listName string) {
	el := l.Back()
	if el == nil {
		return
	}
	node := el.Value.(*arcNode)
	l.Remove(el)
	delete(m, node.key)
	if a.onEvict != nil {
		a.onEvict(listName)
	}
}

func (a *arc) evictLRUGhost(l *list.List, m map[string]*list.Element) {
	el := l.Back()
	if el == nil {
		return
	}
	key := el.Value.(string)
	l.Remove(el)
	delete(m, key)
}

// remove deletes key from every list it might live in.
func (a *arc) remove(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.t1m[key]; ok {
		a.t1.Remove(el)
		delete(a.t1m, key)
	}
	if el, ok := a.t2m[key]; ok {
		a.t2.Remove(el)
		delete(a.t2m, key)
	}
	if el, ok := a.b1m[key]; ok {
		a.b1.Remove(el)
		delete(a.b1m, key)
	}
	if el, ok := a.b2m[key]; ok {
		a.b2.Remove(el)
		delete(a.b2m, key)
	}
}

// len reports the number of live (non-ghost) entries.
func (a *arc) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t1.Len() + a.t2.Len()
}

// clear empties every list.
func (a *arc) clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.t1.Init()
	a.t2.Init()
	a.b1.Init()
	a.b2.Init()
	a.t1m = make(map[string]*list.Element)
	a.t2m = make(map[string]*list.Element)
	a.b1m = make(map[string]*list.Element)
	a.b2m = make(map[string]*list.Element)
	a.p = 0
}
