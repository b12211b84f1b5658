package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-ledger/internal/app"
	"github.com/ksred/klear-ledger/internal/config"
	"github.com/ksred/klear-ledger/internal/database"
	"github.com/ksred/klear-ledger/internal/execution"
	"github.com/ksred/klear-ledger/internal/marketdata"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	internalToken   = "simulation-internal-token"
	startingBalance = "100000"
)

var equities = []string{"AAPL", "MSFT", "TSLA", "GME"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError is a non-2xx response from the ledger API.
type apiError struct {
	status int
	code   string
	msg    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d %s: %s", e.status, e.code, e.msg)
}

// simulationClient handles HTTP communication with the ledger API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
	order []string
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats:   make(map[string]*routeStats),
	}
}

func (sc *simulationClient) record(stat string, d time.Duration, failed bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rs, ok := sc.stats[stat]
	if !ok {
		rs = &routeStats{name: stat}
		sc.stats[stat] = rs
		sc.order = append(sc.order, stat)
	}
	rs.addDuration(d, failed)
}

// call sends one request and decodes the response data into out.
func (sc *simulationClient) call(stat, method, path, token string, body any, headers map[string]string, out any) error {
	start := time.Now()
	err := sc.do(method, path, token, body, headers, out)
	sc.record(stat, time.Since(start), err != nil)
	return err
}

func (sc *simulationClient) do(method, path, token string, body any, headers map[string]string, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, sc.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		apiErr := &apiError{status: resp.StatusCode}
		if env.Error != nil {
			apiErr.code, apiErr.msg = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// trader is one simulated account with its bearer token.
type trader struct {
	accountID string
	token     string
}

func (sc *simulationClient) openTrader() (*trader, error) {
	var opened struct {
		Account struct {
			AccountID string `json:"account_id"`
		} `json:"account"`
		Credentials struct {
			APIKey    string `json:"api_key"`
			APISecret string `json:"api_secret"`
		} `json:"credentials"`
	}
	err := sc.call("Open Account", http.MethodPost, "/api/v1/internal/accounts", internalToken,
		map[string]string{"starting_balance": startingBalance}, nil, &opened)
	if err != nil {
		return nil, err
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := sc.call("Authentication", http.MethodPost, "/api/v1/auth/token", "", opened.Credentials, nil, &token); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return &trader{accountID: opened.Account.AccountID, token: token.Token}, nil
}

type placed struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Type    string `json:"order_type"`
}

func (sc *simulationClient) placeOrder(t *trader, order map[string]any) (*placed, error) {
	var out placed
	err := sc.call("Place Order", http.MethodPost, "/api/v1/orders", t.token, order,
		map[string]string{"Idempotency-Key": uuid.New().String()}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// randomOrder draws an order shape around the current quote.
func randomOrder(rng *rand.Rand, market marketdata.Provider) map[string]any {
	symbol := equities[rng.Intn(len(equities))]
	quote, err := market.GetQuote(context.Background(), symbol)
	if err != nil {
		return map[string]any{"symbol": symbol, "side": "buy", "type": "market", "quantity": "1"}
	}
	qty := fmt.Sprint(rng.Intn(10) + 1)
	off := func(pct float64) string {
		return quote.Ask.Mul(decimal.NewFromFloat(1 + pct/100)).Round(2).String()
	}

	switch n := rng.Intn(100); {
	case n < 35:
		return map[string]any{"symbol": symbol, "side": "buy", "type": "market", "quantity": qty}
	case n < 55:
		return map[string]any{"symbol": symbol, "side": "sell", "type": "market", "quantity": qty}
	case n < 70:
		return map[string]any{"symbol": symbol, "side": "buy", "type": "limit", "quantity": qty,
			"limit_price": off(-0.3), "time_in_force": "gtc"}
	case n < 78:
		return map[string]any{"symbol": symbol, "side": "sell", "type": "stop", "quantity": qty,
			"stop_price": off(-0.5)}
	case n < 86:
		return map[string]any{"symbol": symbol, "side": "sell", "type": "trailing_stop", "quantity": qty,
			"trail_percent": "0.5", "time_in_force": "gtc"}
	case n < 94:
		return map[string]any{"symbol": symbol, "side": "buy", "type": "market", "quantity": qty,
			"take_profit_price": off(0.5), "stop_loss_price": off(-0.5)}
	default:
		return map[string]any{"symbol": symbol, "side": "buy", "type": "limit", "quantity": qty,
			"limit_price": off(-1), "time_in_force": "ioc"}
	}
}

type tally struct {
	mu       sync.Mutex
	orders   int
	statuses map[string]int
	rejects  map[string]int
	types    map[string]int
}

func (t *tally) add(p *placed, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders++
	if err != nil {
		code := "error"
		if apiErr, ok := err.(*apiError); ok && apiErr.code != "" {
			code = apiErr.code
		}
		t.rejects[code]++
		return
	}
	t.statuses[p.Status]++
	t.types[p.Type]++
}

func bar(count, max int) string {
	if max == 0 {
		return ""
	}
	return strings.Repeat("█", int(float64(count)/float64(max)*20))
}

func printDistribution(title string, counts map[string]int) {
	fmt.Printf("\n%s\n%s\n", title, strings.Repeat("-", len(title)))
	keys := make([]string, 0, len(counts))
	max := 0
	for k, v := range counts {
		keys = append(keys, k)
		if v > max {
			max = v
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%-22s: %s (%d)\n", k, bar(counts[k], max), counts[k])
	}
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range sc.order {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Microsecond),
			max.Round(time.Microsecond),
			mean.Round(time.Microsecond),
			median.Round(time.Microsecond),
			p95.Round(time.Microsecond),
			p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the trading simulation
// It serves the API in-process and drives it with concurrent trading accounts
func main() {
	numTraders := flag.Int("traders", 5, "number of concurrent accounts")
	rounds := flag.Int("rounds", 20, "price steps to simulate")
	ordersPerRound := flag.Int("orders", 4, "orders per trader per round")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	db, err := database.NewInMemory()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	cfg := config.Default()
	cfg.Server.JWTSecret = uuid.New().String()
	cfg.Server.InternalToken = internalToken
	cfg.Server.RateLimit = 1_000_000
	cfg.Risk.PDTEnabled = new(bool)

	sim := marketdata.NewSimulatedWithDefaults()
	ledgerApp := app.New(cfg, db, sim)
	// every trader logs in from loopback
	ledgerApp.Limiter.SetBudget("/api/v1/auth", 1_000_000, *numTraders)
	server := httptest.NewServer(ledgerApp.Router())
	defer server.Close()

	ctx := context.Background()
	simClient := newSimulationClient(server.URL)
	log.Info().Int("traders", *numTraders).Int("rounds", *rounds).Int64("seed", *seed).Msg("Starting simulation")

	traders := make([]*trader, 0, *numTraders)
	for i := 0; i < *numTraders; i++ {
		t, err := simClient.openTrader()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open trader account")
		}
		traders = append(traders, t)
	}

	counts := &tally{statuses: make(map[string]int), rejects: make(map[string]int), types: make(map[string]int)}
	start := time.Now()

	for round := 0; round < *rounds; round++ {
		var wg sync.WaitGroup
		for i, t := range traders {
			wg.Add(1)
			go func(workerID int, t *trader) {
				defer wg.Done()
				rng := rand.New(rand.NewSource(*seed + int64(round*len(traders)+workerID)))
				for n := 0; n < *ordersPerRound; n++ {
					p, err := simClient.placeOrder(t, randomOrder(rng, sim))
					counts.add(p, err)
				}
			}(i, t)
		}
		wg.Wait()

		sim.Step()
		var pass struct {
			Evaluated int `json:"evaluated"`
			Filled    int `json:"filled"`
		}
		if err := simClient.call("Evaluate", http.MethodPost, "/api/v1/internal/evaluate", internalToken, nil, nil, &pass); err != nil {
			log.Error().Err(err).Int("round", round).Msg("Evaluation pass failed")
		}
		if _, err := ledgerApp.Liquidation.RunMarginCheck(ctx); err != nil {
			log.Error().Err(err).Int("round", round).Msg("Margin check failed")
		}
		log.Info().Int("round", round).Int("evaluated", pass.Evaluated).Int("filled", pass.Filled).Msg("Round complete")
	}

	if _, err := ledgerApp.Margin.AccrueBorrowFees(ctx, ledgerApp.Store, sim); err != nil {
		log.Error().Err(err).Msg("Borrow fee accrual failed")
	}
	if _, err := ledgerApp.Journal.TakeSnapshots(ctx); err != nil {
		log.Error().Err(err).Msg("Equity snapshots failed")
	}

	// Conservation: every account's cash and margin must equal a replay of its fills.
	tolerance := decimal.New(1, -2)
	var unbalanced int
	var expectedCash decimal.Decimal
	for _, t := range traders {
		r, err := execution.Reconcile(ctx, ledgerApp.Store, t.accountID)
		if err != nil {
			log.Error().Err(err).Str("account_id", t.accountID).Msg("Reconciliation failed")
			unbalanced++
			continue
		}
		expectedCash = expectedCash.Add(r.ExpectedCash)
		if !r.Balanced(tolerance) {
			unbalanced++
			log.Error().
				Str("account_id", t.accountID).
				Str("cash", r.Cash.String()).
				Str("expected_cash", r.ExpectedCash.String()).
				Str("margin_used", r.MarginUsed.String()).
				Str("expected_margin", r.ExpectedMargin.String()).
				Msg("Ledger out of balance")
		}
	}
	totalCash, totalMargin, err := ledgerApp.Store.TotalBalances()
	if err != nil {
		log.Error().Err(err).Msg("Failed to total balances")
	}

	var realised decimal.Decimal
	trips := 0
	for _, t := range traders {
		var journal struct {
			Summary struct {
				Trips    int             `json:"trips"`
				TotalPnL decimal.Decimal `json:"total_pnl"`
			} `json:"summary"`
		}
		if err := simClient.call("Round Trips", http.MethodGet, "/api/v1/account/round-trips", t.token, nil, nil, &journal); err != nil {
			log.Error().Err(err).Str("account_id", t.accountID).Msg("Failed to read round trips")
			continue
		}
		trips += journal.Summary.Trips
		realised = realised.Add(journal.Summary.TotalPnL)
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 LEDGER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
📊 Order Statistics
------------------
Traders:          %d
Orders Sent:      %d
Round Trips:      %d
Realised PnL:     $%s
Total Cash:       $%s (expected $%s)
Margin Used:      $%s
Unbalanced:       %d
Duration:         %v
`, len(traders), counts.orders, trips, realised.StringFixed(2),
		totalCash.StringFixed(2), expectedCash.StringFixed(2), totalMargin.StringFixed(2),
		unbalanced, duration.Round(time.Millisecond))

	printDistribution("📈 Order Status", counts.statuses)
	printDistribution("📉 Order Types", counts.types)
	printDistribution("⛔ Rejections", counts.rejects)
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()

	if unbalanced > 0 {
		log.Error().Int("accounts", unbalanced).Msg("Simulation finished with unbalanced accounts")
		os.Exit(1)
	}
	log.Info().Dur("duration", duration).Msg("Simulation completed")
}
