package worker

import (
	"sync"

	"github.com/stagerun-org/stagerun/internal/invocation"
)

// requestBuffer holds at most one queued invocation per id. A newer try
// (higher CallCnt) replaces a buffered one; a try already handed to the
// executor is never preempted, because the executor pops the latest record
// only when it begins.
type requestBuffer struct {
	mu     sync.Mutex
	queued map[string]*invocation.Metadata
}

func newRequestBuffer() *requestBuffer {
	return &requestBuffer{queued: map[string]*invocation.Metadata{}}
}

// tryPush buffers md under its id. The second return reports whether the
// caller must schedule an executor task for this id; replacements ride the
// task scheduled by the first push.
func (b *requestBuffer) tryPush(md *invocation.Metadata) (accepted, schedule bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.queued[md.ID]
	if !ok {
		b.queued[md.ID] = md
		return true, true
	}
	if prev.CallCnt < md.CallCnt {
		b.queued[md.ID] = md
		return true, false
	}
	return false, false
}

// pop removes and returns the latest buffered record for id.
func (b *requestBuffer) pop(id string) *invocation.Metadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	md := b.queued[id]
	delete(b.queued, id)
	return md
}

func (b *requestBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queued)
}
