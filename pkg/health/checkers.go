package health

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/OGHeyDude/agent-reliability/pkg/config"
)

// Checker is one health probe. Check must not panic; the manager
// recovers anyway and records a critical result.
type Checker interface {
	Name() string
	Check(ctx context.Context) *HealthCheck
}

// statusForValue grades a gauge against warning/critical limits where
// higher is worse.
func statusForValue(value, warning, critical float64) Status {
	switch {
	case value >= critical:
		return StatusCritical
	case value >= warning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// statusForFloor grades a gauge where lower is worse (availability).
func statusForFloor(value, warning, critical float64) Status {
	switch {
	case value < critical:
		return StatusCritical
	case value < warning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func statusForDuration(d, warning, critical time.Duration) Status {
	switch {
	case d >= critical:
		return StatusCritical
	case d >= warning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// cpuSample is one reading of /proc/stat's aggregate cpu line.
type cpuSample struct {
	idle  uint64
	total uint64
}

// SystemChecker observes host CPU, memory, and disk utilization from
// /proc and the filesystem, graded against the configured thresholds.
type SystemChecker struct {
	name       string
	path       string
	thresholds config.Thresholds

	mutex sync.Mutex
	prev  cpuSample
}

// NewSystemChecker creates a system metrics checker. path is the mount
// point used for disk utilization, usually "/".
func NewSystemChecker(name, path string, thresholds config.Thresholds) *SystemChecker {
	if path == "" {
		path = "/"
	}
	return &SystemChecker{name: name, path: path, thresholds: thresholds}
}

func (sc *SystemChecker) Name() string { return sc.name }

// Check reads current utilization. CPU is a delta against the previous
// sample, so the first reading reports zero.
func (sc *SystemChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      sc.name,
		Kind:      KindSystem,
		Timestamp: start,
		Metadata:  make(map[string]string),
	}

	status := StatusHealthy
	var messages []string

	cpu, err := sc.cpuPercent()
	if err == nil {
		check.Metadata["cpu_percent"] = fmt.Sprintf("%.1f", cpu)
		cpuStatus := statusForValue(cpu, sc.thresholds.CPUWarning, sc.thresholds.CPUCritical)
		if cpuStatus != StatusHealthy {
			messages = append(messages, fmt.Sprintf("cpu at %.1f%%", cpu))
		}
		status = Worse(status, cpuStatus)
	} else {
		check.Metadata["cpu_error"] = err.Error()
	}

	mem, err := memoryPercent()
	if err == nil {
		check.Metadata["memory_percent"] = fmt.Sprintf("%.1f", mem)
		memStatus := statusForValue(mem, sc.thresholds.MemoryWarning, sc.thresholds.MemoryCritical)
		if memStatus != StatusHealthy {
			messages = append(messages, fmt.Sprintf("memory at %.1f%%", mem))
		}
		status = Worse(status, memStatus)
	} else {
		check.Metadata["memory_error"] = err.Error()
	}

	disk, err := diskPercent(sc.path)
	if err == nil {
		check.Metadata["disk_percent"] = fmt.Sprintf("%.1f", disk)
		diskStatus := statusForValue(disk, sc.thresholds.DiskWarning, sc.thresholds.DiskCritical)
		if diskStatus != StatusHealthy {
			messages = append(messages, fmt.Sprintf("disk at %.1f%%", disk))
		}
		status = Worse(status, diskStatus)
	} else {
		check.Metadata["disk_error"] = err.Error()
	}

	check.Metadata["goroutines"] = strconv.Itoa(runtime.NumGoroutine())

	check.Status = status
	if len(messages) > 0 {
		check.Message = strings.Join(messages, "; ")
	} else {
		check.Message = "system metrics within limits"
	}
	check.Duration = time.Since(start)
	return check
}

// cpuPercent computes utilization from consecutive /proc/stat samples.
func (sc *SystemChecker) cpuPercent() (float64, error) {
	sample, err := readCPUSample()
	if err != nil {
		return 0, err
	}

	sc.mutex.Lock()
	prev := sc.prev
	sc.prev = sample
	sc.mutex.Unlock()

	if prev.total == 0 || sample.total <= prev.total {
		return 0, nil
	}

	totalDelta := sample.total - prev.total
	idleDelta := sample.idle - prev.idle
	return float64(totalDelta-idleDelta) / float64(totalDelta) * 100, nil
}

func readCPUSample() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}

		var sample cpuSample
		for i, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("malformed /proc/stat field %q: %w", field, err)
			}
			sample.total += v
			// idle + iowait
			if i == 3 || i == 4 {
				sample.idle += v
			}
		}
		return sample, nil
	}
	return cpuSample{}, fmt.Errorf("no cpu line in /proc/stat")
}

func memoryPercent() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			available, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("no MemTotal in /proc/meminfo")
	}
	return float64(total-available) / float64(total) * 100, nil
}

func diskPercent(path string) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	if stat.Blocks == 0 {
		return 0, fmt.Errorf("statfs reported zero blocks for %s", path)
	}
	used := stat.Blocks - stat.Bavail
	return float64(used) / float64(stat.Blocks) * 100, nil
}

// ProbeFunc performs one liveness probe against an agent or resource.
type ProbeFunc func(ctx context.Context) error

// AgentChecker probes an agent's availability and grades response time.
type AgentChecker struct {
	name       string
	probe      ProbeFunc
	thresholds config.Thresholds
}

// NewAgentChecker creates an agent probe checker.
func NewAgentChecker(name string, probe ProbeFunc, thresholds config.Thresholds) *AgentChecker {
	return &AgentChecker{name: name, probe: probe, thresholds: thresholds}
}

func (ac *AgentChecker) Name() string { return ac.name }

// Check runs the probe and grades the outcome by probe error and latency.
func (ac *AgentChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      ac.name,
		Kind:      KindAgent,
		Timestamp: start,
	}

	err := ac.probe(ctx)
	check.Duration = time.Since(start)

	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Message = "agent probe failed"
		return check
	}

	check.Status = statusForDuration(check.Duration, ac.thresholds.ResponseTimeWarning, ac.thresholds.ResponseTimeCritical)
	if check.Status == StatusHealthy {
		check.Message = "agent is responsive"
	} else {
		check.Message = fmt.Sprintf("agent responded slowly in %s", check.Duration)
	}
	check.Metadata = map[string]string{
		"response_time": check.Duration.String(),
	}
	return check
}

// GaugeFunc reads one utilization gauge in percent.
type GaugeFunc func(ctx context.Context) (float64, error)

// ResourceChecker grades an arbitrary utilization gauge, such as a
// connection pool or queue depth, against warning/critical limits.
type ResourceChecker struct {
	name     string
	gauge    GaugeFunc
	warning  float64
	critical float64
}

// NewResourceChecker creates a resource utilization checker.
func NewResourceChecker(name string, gauge GaugeFunc, warning, critical float64) *ResourceChecker {
	return &ResourceChecker{name: name, gauge: gauge, warning: warning, critical: critical}
}

func (rc *ResourceChecker) Name() string { return rc.name }

func (rc *ResourceChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      rc.name,
		Kind:      KindResource,
		Timestamp: start,
	}

	value, err := rc.gauge(ctx)
	check.Duration = time.Since(start)

	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Message = "resource gauge failed"
		return check
	}

	check.Status = statusForValue(value, rc.warning, rc.critical)
	check.Message = fmt.Sprintf("utilization at %.1f%%", value)
	check.Metadata = map[string]string{
		"utilization": fmt.Sprintf("%.1f", value),
	}
	return check
}

// DependencyChecker probes an external HTTP endpoint.
type DependencyChecker struct {
	name       string
	url        string
	client     *http.Client
	thresholds config.Thresholds
}

// NewDependencyChecker creates an HTTP dependency checker.
func NewDependencyChecker(name, url string, timeout time.Duration, thresholds config.Thresholds) *DependencyChecker {
	return &DependencyChecker{
		name:       name,
		url:        url,
		client:     &http.Client{Timeout: timeout},
		thresholds: thresholds,
	}
}

func (dc *DependencyChecker) Name() string { return dc.name }

// Check performs the HTTP probe. 5xx responses are unhealthy, other
// non-2xx responses degraded, and slow 2xx responses are graded by the
// response-time thresholds.
func (dc *DependencyChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      dc.name,
		Kind:      KindDependency,
		Timestamp: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, dc.url, nil)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("failed to create request: %v", err)
		check.Duration = time.Since(start)
		return check
	}

	resp, err := dc.client.Do(req)
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = fmt.Sprintf("request failed: %v", err)
		check.Duration = time.Since(start)
		return check
	}
	defer resp.Body.Close()

	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"status_code":   strconv.Itoa(resp.StatusCode),
		"response_time": check.Duration.String(),
	}

	switch {
	case resp.StatusCode >= 500:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	case resp.StatusCode >= 300 || resp.StatusCode < 200:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("endpoint returned status %d", resp.StatusCode)
	default:
		check.Status = statusForDuration(check.Duration, dc.thresholds.ResponseTimeWarning, dc.thresholds.ResponseTimeCritical)
		if check.Status == StatusHealthy {
			check.Message = "endpoint is healthy"
		} else {
			check.Message = fmt.Sprintf("endpoint responded slowly in %s", check.Duration)
		}
	}
	return check
}

// ErrorRateFunc reads observed error rate and availability in percent.
type ErrorRateFunc func(ctx context.Context) (errorRate, availability float64, err error)

// ErrorRateChecker grades an observed error rate and availability, such
// as a circuit breaker's rolling metrics, against the configured limits.
type ErrorRateChecker struct {
	name       string
	observe    ErrorRateFunc
	thresholds config.Thresholds
}

// NewErrorRateChecker creates an error-rate checker.
func NewErrorRateChecker(name string, observe ErrorRateFunc, thresholds config.Thresholds) *ErrorRateChecker {
	return &ErrorRateChecker{name: name, observe: observe, thresholds: thresholds}
}

func (ec *ErrorRateChecker) Name() string { return ec.name }

func (ec *ErrorRateChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      ec.name,
		Kind:      KindResource,
		Timestamp: start,
	}

	errorRate, availability, err := ec.observe(ctx)
	check.Duration = time.Since(start)

	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Message = "error rate observation failed"
		return check
	}

	status := statusForValue(errorRate, ec.thresholds.ErrorRateWarning, ec.thresholds.ErrorRateCritical)
	status = Worse(status, statusForFloor(availability, ec.thresholds.AvailabilityWarning, ec.thresholds.AvailabilityCritical))

	check.Status = status
	check.Message = fmt.Sprintf("error rate %.1f%%, availability %.1f%%", errorRate, availability)
	check.Metadata = map[string]string{
		"error_rate":   fmt.Sprintf("%.1f", errorRate),
		"availability": fmt.Sprintf("%.1f", availability),
	}
	return check
}

// CustomChecker wraps an arbitrary check function.
type CustomChecker struct {
	name    string
	kind    Kind
	checkFn func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a checker from a plain function.
func NewCustomChecker(name string, kind Kind, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, kind: kind, checkFn: checkFn}
}

func (cc *CustomChecker) Name() string { return cc.name }

func (cc *CustomChecker) Check(ctx context.Context) *HealthCheck {
	start := time.Now()
	check := &HealthCheck{
		Name:      cc.name,
		Kind:      cc.kind,
		Timestamp: start,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}
	return check
}
