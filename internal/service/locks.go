package service

import "sync"

// tableLocks hands out one non-blocking mutex per target table
type tableLocks struct {
	m sync.Map // int64 -> *sync.Mutex
}

// tryLock returns an unlock func and true when the table was free
func (l *tableLocks) tryLock(tableID int64) (func(), bool) {
	v, _ := l.m.LoadOrStore(tableID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
