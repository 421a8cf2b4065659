package scheduler

import "sync"

// deque is a double-ended task queue. The owning worker pushes and
// pops at the bottom (LIFO, cache-warm); thieves take from the top
// (FIFO, oldest first).
type deque struct {
	mu    sync.Mutex
	items []*task
}

func (d *deque) pushBottom(t *task) {
	d.mu.Lock()
	d.items = append(d.items, t)
	d.mu.Unlock()
}

func (d *deque) popBottom() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	t := d.items[len(d.items)-1]
	d.items = d.items[:len(d.items)-1]
	return t
}

func (d *deque) stealTop() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	t := d.items[0]
	d.items = d.items[1:]
	return t
}

func (d *deque) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
