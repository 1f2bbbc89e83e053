package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	stock       int64
	quantity    int64
	price       string
	replayRate  int
	readRate    int
	itemPrefix  string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:3000", "grocery HTTP API base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 1m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.Int64Var(&cfg.stock, "stock", 100, "initial inventory of the load-test item")
	fs.Int64Var(&cfg.quantity, "quantity", 1, "quantity per order")
	fs.StringVar(&cfg.price, "price", "1.00", "price of the load-test item")
	fs.IntVar(&cfg.replayRate, "replay-rate", 10, "percent of orders re-sent with the same Idempotency-Key (0..100)")
	fs.IntVar(&cfg.readRate, "read-rate", 0, "percent of scenarios that also read the item (0..100)")
	fs.StringVar(&cfg.itemPrefix, "item-prefix", "loadtest", "name prefix of the load-test item")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	if strings.TrimSpace(cfg.baseURL) == "" {
		return cfg, errors.New("url is required")
	}
	if cfg.duration < 0 {
		return cfg, errors.New("duration must be >= 0")
	}
	if cfg.duration == 0 && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when duration is not set")
	}
	if cfg.duration > 0 && cfg.totalSet && cfg.total <= 0 {
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	}
	if cfg.concurrency <= 0 {
		return cfg, errors.New("concurrency must be > 0")
	}
	if cfg.timeout <= 0 {
		return cfg, errors.New("timeout must be > 0")
	}
	if cfg.stock < 0 {
		return cfg, errors.New("stock must be >= 0")
	}
	if cfg.quantity <= 0 {
		return cfg, errors.New("quantity must be > 0")
	}
	if cfg.replayRate < 0 || cfg.replayRate > 100 {
		return cfg, errors.New("replay-rate must be between 0 and 100")
	}
	if cfg.readRate < 0 || cfg.readRate > 100 {
		return cfg, errors.New("read-rate must be between 0 and 100")
	}
	if strings.TrimSpace(cfg.itemPrefix) == "" {
		return cfg, errors.New("item-prefix is required")
	}

	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result, err := run(context.Background(), cfg)
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

	if result.FailedScenarios > 0 || result.Stock.Oversold || result.Stock.Mismatch {
		os.Exit(1)
	}
}

// run создаёт товар с заданным остатком, конкурентно оформляет заказы
// и сверяет итоговый остаток с числом принятых заказов.
func run(ctx context.Context, cfg config) (report, error) {
	client := newAPIClient(cfg.baseURL, cfg.timeout)

	itemName := fmt.Sprintf("%s-%s", cfg.itemPrefix, uuid.NewString())
	item, err := client.createItem(ctx, itemName, cfg.price, cfg.stock)
	if err != nil {
		return report{}, fmt.Errorf("setup: %w", err)
	}

	startedAt := time.Now()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for workerID := 0; workerID < cfg.concurrency; workerID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runScenario(ctx, client, cfg, item, index, col)
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	duration := time.Since(startedAt)
	result := col.buildReport(startedAt, duration)

	final, _, err := client.getItem(ctx, item.ID)
	if err != nil {
		return result, fmt.Errorf("read final stock: %w", err)
	}
	result.Stock = newStockCheck(cfg.stock, final.Inventory, col.unitsPlaced())
	return result, nil
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
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
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, client *apiClient, cfg config, item groceryItem, index int, col *collector) {
	scenarioStart := time.Now()
	scenarioResult := outcomeOK
	scenarioStatus := http.StatusCreated
	defer func() {
		col.record("scenario", time.Since(scenarioStart), scenarioStatus, scenarioResult)
	}()

	if hitRate(index, cfg.readRate) {
		start := time.Now()
		_, status, err := client.getItem(ctx, item.ID)
		result := outcomeOK
		if err != nil {
			result = outcomeFailed
		}
		col.record("GetItem", time.Since(start), status, result)
	}

	key := uuid.NewString()
	lines := []orderLine{{Name: item.Name, Quantity: cfg.quantity}}

	start := time.Now()
	resp, err := client.placeOrder(ctx, key, lines)
	result := classifyOrder(resp, err)
	col.record("PlaceOrder", time.Since(start), resp.status, result)
	col.recordOrder(cfg.quantity, result)
	scenarioStatus = resp.status
	scenarioResult = result

	if result == outcomeFailed || !hitRate(index, cfg.replayRate) {
		return
	}

	start = time.Now()
	replay, err := client.placeOrder(ctx, key, lines)
	replayResult := outcomeOK
	if err != nil || !replay.replayed || replay.status != resp.status || !bytes.Equal(replay.body, resp.body) {
		replayResult = outcomeFailed
		scenarioResult = outcomeFailed
	}
	col.record("ReplayOrder", time.Since(start), replay.status, replayResult)
}

// classifyOrder отделяет ожидаемую нехватку остатка от настоящих ошибок.
func classifyOrder(resp apiResponse, err error) outcome {
	if err != nil {
		return outcomeFailed
	}
	switch {
	case resp.status == http.StatusCreated:
		return outcomeOK
	case resp.status == http.StatusConflict && errorKind(resp.body) == "insufficient_inventory":
		return outcomeRejected
	default:
		return outcomeFailed
	}
}

func hitRate(index, rate int) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 100 {
		return true
	}
	return index%100 < rate
}
