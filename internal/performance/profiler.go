package performance

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Profiler records timings for named operations such as command dispatch
// ("command.get_chunks") and store round trips ("store.fetch_many").
// A nil or disabled Profiler records nothing.
type Profiler struct {
	mu        sync.Mutex
	ops       map[string]*OperationStats
	enabled   bool
	startTime time.Time
}

// OperationStats is the running summary of one operation.
type OperationStats struct {
	Name      string
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
	LastTime  time.Duration
	LastCall  time.Time
}

// AverageTime returns TotalTime / Count.
func (s OperationStats) AverageTime() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Count)
}

// Timer is one in-flight measurement.
type Timer struct {
	profiler *Profiler
	name     string
	start    time.Time
}

// NewProfiler creates a profiler.
func NewProfiler(enabled bool) *Profiler {
	return &Profiler{
		ops:       make(map[string]*OperationStats),
		enabled:   enabled,
		startTime: time.Now(),
	}
}

// Start begins timing name. The returned Timer may be nil; End handles that.
func (p *Profiler) Start(name string) *Timer {
	if p == nil || !p.enabled {
		return nil
	}
	return &Timer{profiler: p, name: name, start: time.Now()}
}

// End records the elapsed time.
func (t *Timer) End() {
	t.EndWithError(nil)
}

// EndWithError records the elapsed time and counts a failure when err != nil.
func (t *Timer) EndWithError(err error) {
	if t == nil {
		return
	}
	t.profiler.record(t.name, time.Since(t.start), err != nil)
}

// Record adds a measurement directly.
func (p *Profiler) Record(name string, duration time.Duration) {
	if p == nil || !p.enabled {
		return
	}
	p.record(name, duration, false)
}

func (p *Profiler) record(name string, duration time.Duration, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op, ok := p.ops[name]
	if !ok {
		op = &OperationStats{Name: name, MinTime: duration, MaxTime: duration}
		p.ops[name] = op
	}

	op.Count++
	if failed {
		op.Failures++
	}
	op.TotalTime += duration
	op.LastTime = duration
	op.LastCall = time.Now()
	if duration < op.MinTime {
		op.MinTime = duration
	}
	if duration > op.MaxTime {
		op.MaxTime = duration
	}
}

// Get returns a copy of the stats for name.
func (p *Profiler) Get(name string) (OperationStats, bool) {
	if p == nil {
		return OperationStats{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	op, ok := p.ops[name]
	if !ok {
		return OperationStats{}, false
	}
	return *op, true
}

// Stats returns copies of every operation, sorted by name.
func (p *Profiler) Stats() []OperationStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	stats := make([]OperationStats, 0, len(p.ops))
	for _, op := range p.ops {
		stats = append(stats, *op)
	}
	p.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// OperationReport is the JSON form of OperationStats, in milliseconds.
type OperationReport struct {
	Name     string  `json:"name"`
	Count    int64   `json:"count"`
	Failures int64   `json:"failures"`
	AvgMS    float64 `json:"avg_ms"`
	MinMS    float64 `json:"min_ms"`
	MaxMS    float64 `json:"max_ms"`
	LastMS   float64 `json:"last_ms"`
}

// Report is the JSON summary served by the stats endpoint.
type Report struct {
	StartTime  time.Time         `json:"start_time"`
	UptimeSecs int64             `json:"uptime_seconds"`
	Operations []OperationReport `json:"operations"`
}

// Report summarizes every operation.
func (p *Profiler) Report() Report {
	if p == nil {
		return Report{Operations: []OperationReport{}}
	}
	report := Report{
		StartTime:  p.startTime,
		UptimeSecs: int64(time.Since(p.startTime).Seconds()),
		Operations: []OperationReport{},
	}
	for _, op := range p.Stats() {
		report.Operations = append(report.Operations, OperationReport{
			Name:     op.Name,
			Count:    op.Count,
			Failures: op.Failures,
			AvgMS:    millis(op.AverageTime()),
			MinMS:    millis(op.MinTime),
			MaxMS:    millis(op.MaxTime),
			LastMS:   millis(op.LastTime),
		})
	}
	return report
}

// String renders a fixed-width table of every operation.
func (p *Profiler) String() string {
	stats := p.Stats()
	if len(stats) == 0 {
		return "No operation timings recorded"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-32s %8s %8s %10s %10s %10s\n", "Operation", "Count", "Failed", "Avg", "Min", "Max")
	for _, op := range stats {
		fmt.Fprintf(&b, "%-32s %8d %8d %10s %10s %10s\n",
			op.Name,
			op.Count,
			op.Failures,
			op.AverageTime().Round(time.Microsecond),
			op.MinTime.Round(time.Microsecond),
			op.MaxTime.Round(time.Microsecond),
		)
	}
	return b.String()
}

// LogReport writes String to the standard logger.
func (p *Profiler) LogReport() {
	if p == nil || !p.enabled {
		return
	}
	log.Printf("[Profiler] operation timings:\n%s", p.String())
}

// Reset clears every operation.
func (p *Profiler) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = make(map[string]*OperationStats)
	p.startTime = time.Now()
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
