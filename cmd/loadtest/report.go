package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"
)

// scenarioMethod: псевдометод, под которым пишется весь сценарий целиком.
const scenarioMethod = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type methodReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt         time.Time               `json:"started_at"`
	DurationSeconds   float64                 `json:"duration_seconds"`
	TotalScenarios    int64                   `json:"total_scenarios"`
	PlacedOrders      int64                   `json:"placed_orders"`
	RejectedOrders    int64                   `json:"rejected_orders"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
	Stock             stockCheck              `json:"stock"`
}

// stockCheck сверяет списанный остаток с числом принятых заказов.
type stockCheck struct {
	Initial  int64 `json:"initial"`
	Final    int64 `json:"final"`
	Expected int64 `json:"expected"`
	Oversold bool  `json:"oversold"`
	Mismatch bool  `json:"mismatch"`
}

func newStockCheck(initial, final, placedUnits int64) stockCheck {
	check := stockCheck{Initial: initial, Final: final, Expected: initial - placedUnits}
	check.Oversold = check.Final < 0 || check.Expected < 0
	check.Mismatch = check.Final != check.Expected
	return check
}

// outcome: итог одного вызова с точки зрения нагрузочного теста.
type outcome int

const (
	outcomeOK outcome = iota
	// outcomeRejected: ожидаемый отказ (товар закончился), не считается ошибкой.
	outcomeRejected
	outcomeFailed
)

// samples: задержки в миллисекундах.
type samples []float64

func (s samples) summary() latencySummary {
	if len(s) == 0 {
		return latencySummary{}
	}
	sorted := slices.Clone(s)
	slices.Sort(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: total / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

type methodStats struct {
	calls, failed int64
	statuses      map[string]int64
	latency       samples
}

func (m *methodStats) report() methodReport {
	return methodReport{
		Calls:     m.calls,
		Success:   m.calls - m.failed,
		Failed:    m.failed,
		ErrorRate: ratio(m.failed, m.calls),
		Statuses:  maps.Clone(m.statuses),
		LatencyMs: m.latency.summary(),
	}
}

// collector копит результаты вызовов со всех воркеров.
type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats

	placed, rejected int64
	placedUnits      int64
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

func (c *collector) record(method string, latency time.Duration, status int, result outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.methods[method]
	if m == nil {
		m = &methodStats{statuses: make(map[string]int64)}
		c.methods[method] = m
	}
	m.calls++
	if result == outcomeFailed {
		m.failed++
	}
	m.statuses[statusLabel(status)]++
	m.latency = append(m.latency, float64(latency)/float64(time.Millisecond))
}

// recordOrder учитывает заказ на units единиц; провалы сюда не попадают.
func (c *collector) recordOrder(units int64, result outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if result == outcomeRejected {
		c.rejected++
		return
	}
	if result == outcomeOK {
		c.placed++
		c.placedUnits += units
	}
}

func (c *collector) unitsPlaced() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.placedUnits
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		PlacedOrders:    c.placed,
		RejectedOrders:  c.rejected,
		Methods:         make(map[string]methodReport, len(c.methods)),
	}
	for name, m := range c.methods {
		out.Methods[name] = m.report()
	}

	if scenario, ok := out.Methods[scenarioMethod]; ok {
		out.TotalScenarios = scenario.Calls
		out.FailedScenarios = scenario.Failed
		out.ErrorRate = scenario.ErrorRate
		out.ScenarioLatencyMs = scenario.LatencyMs
	}
	if elapsed > 0 {
		out.RPS = float64(out.TotalScenarios) / elapsed.Seconds()
	}
	return out
}

// statusLabel: HTTP-код строкой; 0 значит, что ответа не было вовсе.
func statusLabel(status int) string {
	if status == 0 {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, result report) error {
	target := filepath.Clean(path)
	if !filepath.IsLocal(target) {
		return fmt.Errorf("report path must stay inside the working directory: %s", path)
	}
	if target == "." {
		return fmt.Errorf("report path must name a file: %s", path)
	}

	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	// #nosec G306 -- отчёт нагрузочного теста не содержит секретов.
	return os.WriteFile(target, append(raw, '\n'), 0o644)
}

func printReport(w io.Writer, result report, cfg config) {
	lat := result.ScenarioLatencyMs
	stock := result.Stock

	lines := []string{
		"Load test summary",
		fmt.Sprintf("run=%s total=%d placed=%d rejected=%d failed=%d error_rate=%.4f",
			runTarget(cfg), result.TotalScenarios, result.PlacedOrders, result.RejectedOrders,
			result.FailedScenarios, result.ErrorRate),
		fmt.Sprintf("duration=%.2fs rps=%.2f", result.DurationSeconds, result.RPS),
		fmt.Sprintf("scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f",
			lat.Min, lat.Avg, lat.P50, lat.P95, lat.P99, lat.Max),
		fmt.Sprintf("stock: initial=%d final=%d expected=%d oversold=%t mismatch=%t",
			stock.Initial, stock.Final, stock.Expected, stock.Oversold, stock.Mismatch),
	}

	for _, name := range slices.Sorted(maps.Keys(result.Methods)) {
		if name == scenarioMethod {
			continue
		}
		m := result.Methods[name]
		lines = append(lines, fmt.Sprintf("%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms",
			name, m.Calls, m.Success, m.Failed, m.ErrorRate, m.LatencyMs.P95))
	}

	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
}

func runTarget(cfg config) string {
	switch {
	case cfg.duration <= 0:
		return "count:" + strconv.Itoa(cfg.total)
	case cfg.totalSet:
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	default:
		return "duration:" + cfg.duration.String()
	}
}

// percentile: линейная интерполяция между соседними рангами отсортированной выборки.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := p / 100 * float64(len(sorted)-1)
	lo, hi := int(math.Floor(rank)), int(math.Ceil(rank))
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
