package log

import (
	"io"
	"time"

	"github.com/mphelps/arclog/compaction"
	"github.com/sirupsen/logrus"
)

// CompactorOption overrides a default compactor option.
type CompactorOption func(*compactorOptions)

type compactorOptions struct {
	interval  time.Duration
	mode      compaction.Mode
	watermark func() uint64
}

// Interval overrides how often the compactor scans the log, default 30s.
func Interval(d time.Duration) CompactorOption {
	return func(opts *compactorOptions) {
		opts.interval = d
	}
}

// Mode overrides the compaction mode requested for eligible entries,
// default compaction.Sequential.
func Mode(m compaction.Mode) CompactorOption {
	return func(opts *compactorOptions) {
		opts.mode = m
	}
}

// Watermark overrides the release watermark. Entries at or below the
// watermark are eligible for reclamation; the default watermark is the log's
// commit index.
func Watermark(f func() uint64) CompactorOption {
	return func(opts *compactorOptions) {
		opts.watermark = f
	}
}

// Compactor periodically walks the log and requests compaction of entries at
// or below the release watermark. It only marks entries; when and how the
// payload bytes disappear is the storage engine's business. There is no
// cancellation of a request once accepted and no retry: a failed request is
// logged and picked up again on the next scan.
type Compactor struct {
	log  *logrus.Logger
	src  *Log
	mode compaction.Mode

	interval  time.Duration
	watermark func() uint64

	stop chan struct{}
	done chan struct{}
}

// NewCompactor returns a running compactor over src.
func NewCompactor(l *logrus.Logger, src *Log, opts ...CompactorOption) *Compactor {
	cfg := &compactorOptions{
		interval:  30 * time.Second,
		mode:      compaction.Sequential,
		watermark: src.CommitIndex,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	c := &Compactor{
		log:       l,
		src:       src,
		mode:      cfg.mode,
		interval:  cfg.interval,
		watermark: cfg.watermark,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go c.run()

	return c
}

func (c *Compactor) run() {
	defer close(c.done)

	for {
		select {
		case <-time.After(c.interval):
			c.Scan()
		case <-c.stop:
			return
		}
	}
}

// Scan runs a single pass, marking every live entry at or below the release
// watermark. It returns the number of entries marked.
func (c *Compactor) Scan() int {
	watermark := c.watermark()
	if watermark == 0 {
		return 0
	}

	marked := 0

	it := c.src.Begin()
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.log.Errorf("compactor scan aborted: %v", err)
			break
		}

		if e.Index() > watermark {
			break
		}

		if e.Compacted() || e.CompactionMode() != compaction.None {
			continue
		}

		if err := e.Compact(c.mode); err != nil {
			c.log.Errorf("could not request compaction of entry %d: %v", e.Index(), err)
			continue
		}

		marked++
	}

	if marked > 0 {
		c.log.Debugf("compactor marked %d entries at or below index %d", marked, watermark)
	}

	return marked
}

// Close stops the compactor and blocks until its loop exits.
func (c *Compactor) Close() error {
	close(c.stop)
	<-c.done

	return nil
}
