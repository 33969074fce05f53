package catalog

import "sync/atomic"

// ScanLatch flips exactly once, when the toplist scanner finishes its first
// complete pass. Volume rankings are meaningless before that point, so the
// alert engine gates its top-N filter on it.
type ScanLatch struct {
	done atomic.Bool
}

func (l *ScanLatch) MarkComplete() {
	l.done.Store(true)
}

func (l *ScanLatch) Complete() bool {
	return l.done.Load()
}
