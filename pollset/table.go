package pollset

import (
	"time"

	"github.com/Trinoooo/eggie_poll/poller"
)

type registration struct {
	fd           int
	interest     poller.Events
	registeredAt time.Time
	data         any
	returned     poller.Events
}

// table 固定容量的注册表，[0, nelts) 按加入顺序存放有效条目
type table struct {
	entries []registration
	nelts   int
}

func newTable(nalloc int) *table {
	return &table{
		entries: make([]registration, nalloc),
	}
}

func (t *table) full() bool {
	return t.nelts == len(t.entries)
}

func (t *table) len() int {
	return t.nelts
}

func (t *table) cap() int {
	return len(t.entries)
}

func (t *table) append(reg registration) {
	t.entries[t.nelts] = reg
	t.nelts++
}

// removeAll drops every entry for fd in one left-to-right pass, keeping the
// relative order of the survivors. It returns how many entries went away.
func (t *table) removeAll(fd int) int {
	dst := -1
	removed := 0
	for i := 0; i < t.nelts; i++ {
		if t.entries[i].fd == fd {
			if dst < 0 {
				dst = i
			}
			removed++
			continue
		}
		if dst >= 0 {
			t.entries[dst] = t.entries[i]
			dst++
		}
	}

	if removed == 0 {
		return 0
	}
	// drop stale references in the vacated tail
	for i := t.nelts - removed; i < t.nelts; i++ {
		t.entries[i] = registration{}
	}
	t.nelts -= removed
	return removed
}
