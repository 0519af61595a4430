package progress

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relstage/relstage/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker tracks rows poured across all tables in a run
type Tracker struct {
	bar       *progressbar.ProgressBar
	total     int64
	current   atomic.Int64
	startTime time.Time

	mu    sync.Mutex
	table string
}

// New creates a new progress tracker
func New() *Tracker {
	return &Tracker{startTime: time.Now()}
}

// SetTotal sets the total number of rows waiting in holding tables
func (t *Tracker) SetTotal(total int64) {
	t.total = total
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetDescription("Pouring"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add increments the progress counter
func (t *Tracker) Add(n int64) {
	t.current.Add(n)
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// SetTable updates the bar description with the table being poured
func (t *Tracker) SetTable(table string) {
	t.mu.Lock()
	t.table = table
	t.mu.Unlock()

	if t.bar != nil {
		t.bar.Describe(fmt.Sprintf("Pouring %s", table))
		t.bar.RenderBlank()
	}
}

// Current returns the current count
func (t *Tracker) Current() int64 {
	return t.current.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t.bar != nil {
		t.bar.Finish()
	}

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.current.Load()) / elapsed.Seconds()

	fmt.Println()
	logging.Info("Pour complete: %d rows in %s (%.0f rows/sec)",
		t.current.Load(), elapsed.Round(time.Second), rowsPerSec)
}
