package health

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"
)

// ConnectionReporter reports broker connectivity. messaging.Transport
// satisfies it.
type ConnectionReporter interface {
	IsConnected() bool
}

// BrokerChecker reports whether the broker connection is up
type BrokerChecker struct {
	reporter ConnectionReporter
}

// NewBrokerChecker creates a broker connectivity checker
func NewBrokerChecker(reporter ConnectionReporter) *BrokerChecker {
	return &BrokerChecker{reporter: reporter}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.reporter.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "broker connection is up"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "broker connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// TopologyStatus tracks per-queue topology assertion outcomes. It is both
// a health Checker and an assertion recorder for the subscription manager:
// a failed assertion degrades readiness until a later registration for the
// same queue succeeds.
type TopologyStatus struct {
	mu       sync.RWMutex
	verified map[string]time.Time
	failed   map[string]assertionFailure
}

type assertionFailure struct {
	message string
	at      time.Time
}

// NewTopologyStatus creates an empty topology status tracker
func NewTopologyStatus() *TopologyStatus {
	return &TopologyStatus{
		verified: make(map[string]time.Time),
		failed:   make(map[string]assertionFailure),
	}
}

// Record notes the assertion outcome for a queue. A nil error marks the
// queue verified and clears any earlier failure.
func (s *TopologyStatus) Record(queue string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.verified[queue] = time.Now()
		delete(s.failed, queue)
		return
	}
	s.failed[queue] = assertionFailure{message: err.Error(), at: time.Now()}
	delete(s.verified, queue)
}

func (s *TopologyStatus) Name() string {
	return "topology"
}

func (s *TopologyStatus) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      s.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	s.mu.RLock()
	verified := len(s.verified)
	failing := make([]string, 0, len(s.failed))
	for queue := range s.failed {
		failing = append(failing, queue)
	}
	s.mu.RUnlock()
	sort.Strings(failing)

	result.Details["verified_queues"] = verified
	if len(failing) == 0 {
		result.Status = StatusHealthy
		result.Message = "all queue topologies verified"
	} else {
		// Subscriptions keep running on unverified topology, so this
		// degrades rather than fails readiness.
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d queue topologies unverified", len(failing))
		result.Details["failing_queues"] = failing
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker reports process runtime pressure through goroutine counts
type RuntimeChecker struct {
	warnGoroutines int
	maxGoroutines  int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, maxGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines: warnGoroutines,
		maxGoroutines:  maxGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.maxGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime pressure is normal"
	}

	result.Duration = time.Since(start)
	return result
}
