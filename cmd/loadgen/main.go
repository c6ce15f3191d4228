// Load generator for exercising Kestrel end to end.
//
// Usage:
//
//	go run ./cmd/loadgen -url http://localhost:8080 -users 200 -tx 2000
//	go run ./cmd/loadgen -csv /path/to/paysim.csv -limit 10000
//
// The tool:
//  1. Builds a ledger, either synthetic (with planted transfer rings, night
//     activity and high-risk destinations) or from a PaySim CSV
//  2. Ingests it through POST /transactions and seeds wallets
//  3. Runs POST /analyze for every sender
//  4. Reports the tier distribution, alert counts, latency and, when labels
//     are known, a confusion matrix against ALRT/NALT
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/risk"
)

// LedgerTransaction is the POST /transactions payload.
type LedgerTransaction struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Timestamp   time.Time       `json:"timestamp"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// WalletRequest is the PUT /wallets/{userId} payload.
type WalletRequest struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency"`
}

// AnalyzeResponse is the subset of the POST /analyze response the report needs.
type AnalyzeResponse struct {
	AnalysisID     string   `json:"analysisId"`
	UserID         string   `json:"userId"`
	Status         string   `json:"status"`
	Alerts         []string `json:"alerts"`
	FraudDetection struct {
		RiskScore   float64 `json:"riskScore"`
		OverallRisk string  `json:"overallRisk"`
	} `json:"fraudDetection"`
}

// Ledger is the generated or imported workload.
type Ledger struct {
	Transactions []LedgerTransaction
	Wallets      map[string]decimal.Decimal

	// Suspicious labels senders known to be fraudulent. Nil when unlabeled.
	Suspicious map[string]bool
}

// Senders returns the distinct senders in ingest order.
func (l *Ledger) Senders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tx := range l.Transactions {
		if !seen[tx.SenderID] {
			seen[tx.SenderID] = true
			out = append(out, tx.SenderID)
		}
	}
	return out
}

// Metrics tracks run results.
type Metrics struct {
	TruePositives  int64
	FalsePositives int64
	TrueNegatives  int64
	FalseNegatives int64

	Ingested    int64
	IngestErrs  int64
	Analyzed    int64
	AnalyzeErrs int64
	Alerts      int64

	mu        sync.Mutex
	tiers     map[string]int64
	latencies []time.Duration
}

func (m *Metrics) record(resp *AnalyzeResponse, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[resp.FraudDetection.OverallRisk]++
	m.latencies = append(m.latencies, elapsed)
}

func main() {
	csvPath := flag.String("csv", "", "Optional PaySim CSV file; a synthetic ledger is generated when empty")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "loadgen", "Tenant ID for requests")
	users := flag.Int("users", 200, "Synthetic users")
	txCount := flag.Int("tx", 2000, "Synthetic transactions")
	rings := flag.Int("rings", 5, "Planted transfer rings")
	seed := flag.Uint64("seed", 42, "Random seed for the synthetic ledger")
	limit := flag.Int("limit", 10000, "Maximum CSV rows to import (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each analysis result")
	flag.Parse()

	fmt.Println("KESTREL LOAD GENERATOR")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run ./cmd/kestrel")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	var ledger *Ledger
	if *csvPath != "" {
		fmt.Printf("\nReading PaySim data from %s...\n", *csvPath)
		l, err := readPaySimCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
			os.Exit(1)
		}
		ledger = l
	} else {
		fmt.Printf("\nGenerating synthetic ledger (users=%d tx=%d rings=%d seed=%d)...\n", *users, *txCount, *rings, *seed)
		ledger = generateLedger(rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15)), *users, *txCount, *rings, time.Now().UTC())
	}
	fmt.Printf("Loaded %d transactions, %d wallets\n", len(ledger.Transactions), len(ledger.Wallets))

	client := &http.Client{Timeout: 10 * time.Second}
	m := &Metrics{tiers: make(map[string]int64)}

	startTime := time.Now()
	ingest(client, *baseURL, *tenantID, ledger, *workers, m, *verbose)
	ingestDuration := time.Since(startTime)

	startTime = time.Now()
	analyze(client, *baseURL, *tenantID, ledger, *workers, m, *verbose)
	analyzeDuration := time.Since(startTime)

	printResults(m, ledger.Suspicious != nil, ingestDuration, analyzeDuration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// generateLedger builds background traffic plus planted rings. Ring members
// are labeled suspicious; everyone else is labeled clean.
func generateLedger(rng *rand.Rand, users, txCount, rings int, now time.Time) *Ledger {
	if users < 3 {
		users = 3
	}
	l := &Ledger{
		Wallets:    make(map[string]decimal.Decimal, users),
		Suspicious: make(map[string]bool),
	}
	userID := func(i int) string { return fmt.Sprintf("user-%04d", i) }
	for i := 0; i < users; i++ {
		l.Wallets[userID(i)] = decimal.NewFromInt(int64(500 + rng.IntN(20000)))
		l.Suspicious[userID(i)] = false
	}

	countries := []string{"US", "GB", "DE", "FR", "CA", "JP", "SG", "NG", "AE", "KY"}
	seq := 0
	add := func(from, to string, amount decimal.Decimal, ts time.Time, meta map[string]any) {
		seq++
		l.Transactions = append(l.Transactions, LedgerTransaction{
			ID:          fmt.Sprintf("lg-%06d", seq),
			Type:        "transfer",
			SenderID:    from,
			RecipientID: to,
			Amount:      amount,
			Currency:    "USD",
			Timestamp:   ts,
			Metadata:    meta,
		})
	}

	for i := 0; i < txCount; i++ {
		from := rng.IntN(users)
		to := rng.IntN(users - 1)
		if to >= from {
			to++
		}
		ts := now.Add(-time.Duration(rng.Int64N(int64(7 * 24 * time.Hour))))
		cents := 1000 + rng.Int64N(50000)
		add(userID(from), userID(to), decimal.New(cents, -2), ts, map[string]any{
			"recipientCountry": countries[rng.IntN(len(countries))],
		})
	}

	// Rings: a chain of near-equal late-night transfers that returns to its origin.
	for r := 0; r < rings; r++ {
		size := min(3+rng.IntN(3), users)
		members := rng.Perm(users)[:size]
		base := decimal.NewFromInt(int64(5000 + rng.IntN(20000)))
		night := time.Date(now.Year(), now.Month(), now.Day(), 2, 0, 0, 0, time.UTC).Add(-24 * time.Hour)
		for k := 0; k < size; k++ {
			from := userID(members[k])
			to := userID(members[(k+1)%size])
			l.Suspicious[from] = true
			amount := base.Mul(decimal.NewFromFloat(1 - 0.02*float64(k))).Round(2)
			add(from, to, amount, night.Add(time.Duration(k)*10*time.Minute), map[string]any{
				"recipientCountry": "KP",
			})
		}
	}

	slices.SortFunc(l.Transactions, func(a, b LedgerTransaction) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return l
}

// readPaySimCSV maps PaySim rows onto ledger transfers. PaySim steps are
// hours, anchored so the newest row lands at the current hour.
func readPaySimCSV(path string, limit int) (*Ledger, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(col)] = i
	}

	l := &Ledger{
		Wallets:    make(map[string]decimal.Decimal),
		Suspicious: make(map[string]bool),
	}
	type row struct {
		step int
		tx   LedgerTransaction
	}
	var rows []row
	maxStep := 0

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		step, _ := strconv.Atoi(record[colIndex["step"]])
		amount, err := decimal.NewFromString(record[colIndex["amount"]])
		if err != nil || amount.IsNegative() {
			continue
		}
		orig := record[colIndex["nameorig"]]
		dest := record[colIndex["namedest"]]
		if orig == dest {
			continue
		}

		if bal, err := decimal.NewFromString(record[colIndex["newbalanceorig"]]); err == nil && !bal.IsNegative() {
			l.Wallets[orig] = bal
		}
		isFraud := record[colIndex["isfraud"]] == "1"
		l.Suspicious[orig] = l.Suspicious[orig] || isFraud

		rows = append(rows, row{step: step, tx: LedgerTransaction{
			ID:          fmt.Sprintf("ps-%07d", len(rows)+1),
			Type:        strings.ToLower(record[colIndex["type"]]),
			SenderID:    orig,
			RecipientID: dest,
			Amount:      amount,
			Currency:    "USD",
		}})
		maxStep = max(maxStep, step)

		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	anchor := time.Now().UTC().Truncate(time.Hour)
	for _, r := range rows {
		r.tx.Timestamp = anchor.Add(-time.Duration(maxStep-r.step) * time.Hour)
		l.Transactions = append(l.Transactions, r.tx)
	}
	return l, nil
}

func ingest(client *http.Client, baseURL, tenantID string, l *Ledger, numWorkers int, m *Metrics, verbose bool) {
	fmt.Printf("\nIngesting %d transactions with %d workers...\n", len(l.Transactions), numWorkers)

	for user, bal := range l.Wallets {
		if err := send(client, http.MethodPut, baseURL+"/wallets/"+user, tenantID, WalletRequest{Balance: bal, Currency: "USD"}, nil); err != nil && verbose {
			fmt.Printf("ERROR: wallet %s -> %v\n", user, err)
		}
	}

	work := make(chan LedgerTransaction, 100)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tx := range work {
				if err := send(client, http.MethodPost, baseURL+"/transactions", tenantID, tx, nil); err != nil {
					atomic.AddInt64(&m.IngestErrs, 1)
					if verbose {
						fmt.Printf("ERROR: ingest %s -> %v\n", tx.ID, err)
					}
					continue
				}
				atomic.AddInt64(&m.Ingested, 1)
			}
		}()
	}
	for _, tx := range l.Transactions {
		work <- tx
	}
	close(work)
	wg.Wait()
}

func analyze(client *http.Client, baseURL, tenantID string, l *Ledger, numWorkers int, m *Metrics, verbose bool) {
	senders := l.Senders()
	fmt.Printf("Analyzing %d senders with %d workers...\n", len(senders), numWorkers)

	work := make(chan string, 100)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for user := range work {
				start := time.Now()
				var resp AnalyzeResponse
				err := send(client, http.MethodPost, baseURL+"/analyze", tenantID, map[string]string{"userId": user}, &resp)
				elapsed := time.Since(start)
				if err != nil {
					atomic.AddInt64(&m.AnalyzeErrs, 1)
					if verbose {
						fmt.Printf("ERROR: analyze %s -> %v\n", user, err)
					}
					continue
				}

				atomic.AddInt64(&m.Analyzed, 1)
				m.record(&resp, elapsed)
				predicted := resp.Status == "ALRT"
				if predicted {
					atomic.AddInt64(&m.Alerts, 1)
				}

				if l.Suspicious != nil {
					actual := l.Suspicious[user]
					switch {
					case predicted && actual:
						atomic.AddInt64(&m.TruePositives, 1)
					case predicted && !actual:
						atomic.AddInt64(&m.FalsePositives, 1)
					case !predicted && !actual:
						atomic.AddInt64(&m.TrueNegatives, 1)
					default:
						atomic.AddInt64(&m.FalseNegatives, 1)
					}
				}

				if verbose {
					fmt.Printf("%-12s | %-6s | score %5s (%-6s) | %-4s | %s\n",
						user,
						resp.FraudDetection.OverallRisk,
						risk.FormatScore(resp.FraudDetection.RiskScore),
						risk.Color(resp.FraudDetection.RiskScore),
						resp.Status,
						strings.Join(resp.Alerts, ","),
					)
				}
			}
		}()
	}
	for _, user := range senders {
		work <- user
	}
	close(work)
	wg.Wait()
}

func send(client *http.Client, method, url, tenantID string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func printResults(m *Metrics, labeled bool, ingestDuration, analyzeDuration time.Duration) {
	fmt.Println("\nRESULTS")

	fmt.Printf("\nINGEST\n")
	fmt.Printf("   Ingested:         %d\n", m.Ingested)
	fmt.Printf("   Errors:           %d\n", m.IngestErrs)
	fmt.Printf("   Duration:         %v\n", ingestDuration.Round(time.Millisecond))
	if m.Ingested > 0 {
		fmt.Printf("   Throughput:       %.2f tx/sec\n", float64(m.Ingested)/ingestDuration.Seconds())
	}

	fmt.Printf("\nANALYSIS\n")
	fmt.Printf("   Analyzed:         %d\n", m.Analyzed)
	fmt.Printf("   Errors:           %d\n", m.AnalyzeErrs)
	fmt.Printf("   Alerts:           %d\n", m.Alerts)
	for _, tier := range []string{"LOW", "MEDIUM", "HIGH"} {
		fmt.Printf("   %-7s           %d\n", tier+":", m.tiers[tier])
	}

	m.mu.Lock()
	lat := slices.Clone(m.latencies)
	m.mu.Unlock()
	slices.Sort(lat)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Duration:         %v\n", analyzeDuration.Round(time.Millisecond))
	if len(lat) > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(lat, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(lat, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(lat, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f analyses/sec\n", float64(len(lat))/analyzeDuration.Seconds())
	}

	if !labeled {
		fmt.Println()
		return
	}

	fmt.Printf("\nCONFUSION MATRIX (per sender)\n")
	fmt.Println("                    ALRT        NALT")
	fmt.Printf("   Suspicious  %8d    %8d   (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Printf("   Clean       %8d    %8d   (FP, TN)\n", m.FalsePositives, m.TrueNegatives)

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f\n", precision)
	fmt.Printf("   Recall:     %.4f\n", recall)
	fmt.Printf("   F1-Score:   %.4f\n", f1)
	fmt.Println()
}
