package review

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	defaultMaxLogSize = 10 << 20
	logQueueDepth     = 256
)

// LogWriter owns the rolling review log. A single goroutine performs all
// file I/O; producers feed it through a bounded channel so concurrent workers
// never interleave partial entries. When the file would exceed the size cap
// it is renamed aside with a timestamped archive suffix before the write.
type LogWriter struct {
	path    string
	maxSize int64
	logger  *log.Logger
	now     func() time.Time

	ch        chan string
	closeOnce sync.Once
	done      chan struct{}
}

// NewLogWriter starts the writer goroutine for the log at path.
func NewLogWriter(path string, logger *log.Logger) *LogWriter {
	if logger == nil {
		logger = log.Default()
	}
	lw := &LogWriter{
		path:    path,
		maxSize: defaultMaxLogSize,
		logger:  logger,
		now:     time.Now,
		ch:      make(chan string, logQueueDepth),
		done:    make(chan struct{}),
	}
	go lw.run()
	return lw
}

// Path returns the log file location.
func (lw *LogWriter) Path() string { return lw.path }

// Append queues one entry. It blocks only when the queue is full.
func (lw *LogWriter) Append(entry string) {
	defer func() {
		// Appending after Close is a caller bug but must not crash a worker.
		if recover() != nil {
			lw.logger.Printf("review log: dropped entry after close")
		}
	}()
	lw.ch <- entry
}

// Close drains pending entries and stops the writer.
func (lw *LogWriter) Close() {
	lw.closeOnce.Do(func() { close(lw.ch) })
	<-lw.done
}

func (lw *LogWriter) run() {
	defer close(lw.done)
	for entry := range lw.ch {
		lw.write(entry)
	}
}

func (lw *LogWriter) write(entry string) {
	lw.rotateIfNeeded()

	f, err := os.OpenFile(lw.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		lw.logger.Printf("review log: open: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(entry); err != nil {
		lw.logger.Printf("review log: write: %v", err)
	}
}

func (lw *LogWriter) rotateIfNeeded() {
	info, err := os.Stat(lw.path)
	if err != nil || info.Size() < lw.maxSize {
		return
	}
	archive := fmt.Sprintf("%s_ARCHIVE_%s", lw.path, lw.now().UTC().Format("2006-01-02T15-04-05"))
	if err := os.Rename(lw.path, archive); err != nil {
		lw.logger.Printf("review log: rotate: %v", err)
	}
}
