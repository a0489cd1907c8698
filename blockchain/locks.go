package blockchain

import (
	"context"
	"sync"
)

// electionLocks hands out one lock per election. Entries are dropped once no
// caller holds or waits on them.
type electionLocks struct {
	mutex sync.Mutex
	locks map[string]*electionLock
}

// electionLock is held while its one-slot channel is full.
type electionLock struct {
	held chan struct{}
	refs int
}

func newElectionLocks() *electionLocks {
	return &electionLocks{locks: make(map[string]*electionLock)}
}

// lock waits for the election's lock until ctx is done.
func (l *electionLocks) lock(ctx context.Context, electionID string) (func(), error) {
	l.mutex.Lock()
	entry, ok := l.locks[electionID]
	if !ok {
		entry = &electionLock{held: make(chan struct{}, 1)}
		l.locks[electionID] = entry
	}
	entry.refs++
	l.mutex.Unlock()

	select {
	case entry.held <- struct{}{}:
	case <-ctx.Done():
		l.release(electionID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.held
			l.release(electionID, entry)
		})
	}, nil
}

func (l *electionLocks) release(electionID string, entry *electionLock) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, electionID)
	}
}

func (l *electionLocks) size() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.locks)
}
