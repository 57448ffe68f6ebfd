// Команда loadtest нагружает HTTP API заказов: загружает заказы пользователей
// на выбранный день и, в зависимости от режима, читает или удаляет их.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	modeUpload       loadMode = "upload"
	modeUploadRead   loadMode = "upload-read"
	modeUploadDelete loadMode = "upload-delete"
)

const (
	methodUpload   = "UploadOrder"
	methodPrice    = "OrderPrice"
	methodDelete   = "DeleteOrder"
	scenarioMetric = "scenario"
	transportError = "transport_error"
)

type config struct {
	addr        string
	date        string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	dish        string
	cost        decimal.Decimal
	userTag     string
	outputPath  string
}

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
	SuccessScenarios  int64                   `json:"success_scenarios"`
	FailedScenarios   int64                   `json:"failed_scenarios"`
	ErrorRate         float64                 `json:"error_rate"`
	RPS               float64                 `json:"rps"`
	ScenarioLatencyMs latencySummary          `json:"scenario_latency_ms"`
	Methods           map[string]methodReport `json:"methods"`
}

type methodStats struct {
	calls     int64
	success   int64
	failed    int64
	statuses  map[string]int64
	latencies []float64
}

type collector struct {
	mu      sync.Mutex
	methods map[string]*methodStats
}

func newCollector() *collector {
	return &collector{methods: make(map[string]*methodStats)}
}

// record учитывает вызов. status — HTTP-код или transportError.
func (c *collector) record(method string, latency time.Duration, status string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, found := c.methods[method]
	if !found {
		stats = &methodStats{statuses: make(map[string]int64)}
		c.methods[method] = stats
	}

	stats.calls++
	if ok {
		stats.success++
	} else {
		stats.failed++
	}
	stats.statuses[status]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Methods:         make(map[string]methodReport, len(c.methods)),
	}

	if scenario := c.methods[scenarioMetric]; scenario != nil {
		result.TotalScenarios = scenario.calls
		result.SuccessScenarios = scenario.success
		result.FailedScenarios = scenario.failed
		result.ErrorRate = ratio(scenario.failed, scenario.calls)
		result.ScenarioLatencyMs = buildLatencySummary(scenario.latencies)
	}
	if duration > 0 {
		result.RPS = float64(result.TotalScenarios) / duration.Seconds()
	}

	for name, stats := range c.methods {
		statuses := make(map[string]int64, len(stats.statuses))
		for status, count := range stats.statuses {
			statuses[status] = count
		}
		result.Methods[name] = methodReport{
			Calls:     stats.calls,
			Success:   stats.success,
			Failed:    stats.failed,
			ErrorRate: ratio(stats.failed, stats.calls),
			Statuses:  statuses,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
	}
	return result
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var (
		cfg       config
		modeValue string
		costValue string
	)

	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "базовый адрес HTTP API")
	fs.StringVar(&cfg.date, "date", "today", "день заказов (YYYY-MM-DD или today)")
	fs.IntVar(&cfg.total, "total", 400, "число сценариев; вместе с -duration ограничивает сверху")
	fs.DurationVar(&cfg.duration, "duration", 0, "длительность прогона (например 10m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "число параллельных воркеров")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "таймаут одного запроса")
	fs.StringVar(&modeValue, "mode", string(modeUpload), "режим: upload | upload-read | upload-delete")
	fs.StringVar(&cfg.dish, "dish", "пирог", "название блюда в заказе")
	fs.StringVar(&costValue, "cost", "150.50", "цена блюда")
	fs.StringVar(&cfg.userTag, "user-tag", "load", "префикс имени пользователя")
	fs.StringVar(&cfg.outputPath, "output", "", "путь для JSON-отчёта")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return config{}, err
	}
	cfg.mode = mode

	cost, err := decimal.NewFromString(strings.TrimSpace(costValue))
	if err != nil {
		return config{}, fmt.Errorf("parse cost: %w", err)
	}
	cfg.cost = cost
	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")

	switch {
	case cfg.addr == "":
		return config{}, errors.New("addr is required")
	case strings.TrimSpace(cfg.date) == "":
		return config{}, errors.New("date is required")
	case cfg.duration < 0:
		return config{}, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return config{}, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return config{}, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return config{}, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case !cfg.cost.IsPositive():
		return config{}, errors.New("cost must be > 0")
	case strings.TrimSpace(cfg.dish) == "":
		return config{}, errors.New("dish is required")
	case strings.TrimSpace(cfg.userTag) == "":
		return config{}, errors.New("user-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeUpload, modeUploadRead, modeUploadDelete:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := runLoad(context.Background(), cfg, &http.Client{Timeout: cfg.timeout})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad прогоняет сценарии через пул из cfg.concurrency воркеров.
func runLoad(ctx context.Context, cfg config, client *http.Client) (report, error) {
	body, err := orderBody(cfg)
	if err != nil {
		return report{}, err
	}

	startedAt := time.Now()
	runID := strconv.FormatInt(startedAt.UnixNano(), 36)
	col := newCollector()
	runner := &scenarioRunner{cfg: cfg, client: client, col: col, body: body, runID: runID}

	jobs := make(chan int, cfg.concurrency*2)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.concurrency; i++ {
		g.Go(func() error {
			for id := range jobs {
				runner.run(gctx, id)
			}
			return nil
		})
	}

	dispatchJobs(gctx, jobs, cfg)
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type scenarioRunner struct {
	cfg    config
	client *http.Client
	col    *collector
	body   []byte
	runID  string
}

// run выполняет один сценарий. Каждый сценарий работает со своим пользователем.
func (r *scenarioRunner) run(ctx context.Context, index int) {
	start := time.Now()
	ok := r.steps(ctx, index)
	status := "ok"
	if !ok {
		status = "failed"
	}
	r.col.record(scenarioMetric, time.Since(start), status, ok)
}

func (r *scenarioRunner) steps(ctx context.Context, index int) bool {
	orderPath := fmt.Sprintf("/api/v1/days/%s/orders/%s",
		url.PathEscape(r.cfg.date),
		url.PathEscape(fmt.Sprintf("%s-%s-%d", r.cfg.userTag, r.runID, index)))

	if !r.call(ctx, methodUpload, http.MethodPut, orderPath, r.body) {
		return false
	}

	switch r.cfg.mode {
	case modeUploadRead:
		return r.call(ctx, methodPrice, http.MethodGet, orderPath+"/price", nil)
	case modeUploadDelete:
		return r.call(ctx, methodDelete, http.MethodDelete, orderPath, nil)
	default:
		return true
	}
}

func (r *scenarioRunner) call(ctx context.Context, method, httpMethod, path string, body []byte) bool {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, httpMethod, r.cfg.addr+path, bytes.NewReader(body))
	if err != nil {
		r.col.record(method, time.Since(start), transportError, false)
		return false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.col.record(method, time.Since(start), transportError, false)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	r.col.record(method, time.Since(start), strconv.Itoa(resp.StatusCode), ok)
	return ok
}

func orderBody(cfg config) ([]byte, error) {
	type dish struct {
		Cost  decimal.Decimal `json:"cost"`
		Count int64           `json:"count"`
	}
	return json.Marshal(map[string]any{
		"info": map[string]dish{cfg.dish: {Cost: cfg.cost, Count: 1}},
	})
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь задаётся явно флагом -output.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Load test summary")
	_, _ = fmt.Fprintf(w, "mode=%s date=%s run=%s total=%d success=%d failed=%d error_rate=%.4f\n",
		cfg.mode,
		cfg.date,
		runTarget(cfg),
		result.TotalScenarios,
		result.SuccessScenarios,
		result.FailedScenarios,
		result.ErrorRate,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)
	_, _ = fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		result.ScenarioLatencyMs.Min,
		result.ScenarioLatencyMs.Avg,
		result.ScenarioLatencyMs.P50,
		result.ScenarioLatencyMs.P95,
		result.ScenarioLatencyMs.P99,
		result.ScenarioLatencyMs.Max,
	)

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		if name != scenarioMetric {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d failed=%d error_rate=%.4f p95=%.2fms\n",
			name, stats.Calls, stats.Success, stats.Failed, stats.ErrorRate, stats.LatencyMs.P95)
	}
}

func runTarget(cfg config) string {
	if cfg.duration <= 0 {
		return fmt.Sprintf("count:%d", cfg.total)
	}
	if cfg.totalSet {
		return fmt.Sprintf("duration:%s,max-total:%d", cfg.duration, cfg.total)
	}
	return fmt.Sprintf("duration:%s", cfg.duration)
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

// percentile — линейная интерполяция по отсортированной выборке.
func percentile(sorted []float64, p float64) float64 {
	switch len(sorted) {
	case 0:
		return 0
	case 1:
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(failed, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failed) / float64(total)
}
