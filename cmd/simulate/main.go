package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
)

// simulate drives the pipeline end to end over HTTP: a pool of insured ids
// booking random slots in both countries, with a share of reads mixed in.
// Conflicts are expected traffic here, not errors.

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	ReadRatio    float64
	InsuredCount int
	SlotLimit    int64
}

type OperationMetrics struct {
	Total    int64
	Success  int64
	Conflict int64
	Error    int64
}

func (om *OperationMetrics) Record(success, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := loadSimConfig()
	log.Printf("simulate starting api=%s duration=%s workers=%d", cfg.APIBaseURL, cfg.Duration, cfg.Workers)

	gofakeit.Seed(time.Now().UnixNano())

	insureds := make([]string, cfg.InsuredCount)
	for i := range insureds {
		insureds[i] = fmt.Sprintf("%05d", gofakeit.Number(0, 99999))
	}
	countries := []string{"PE", "CL"}

	var creates, reads OperationMetrics
	deadline := time.Now().Add(cfg.Duration)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			for time.Now().Before(deadline) {
				insured := insureds[rand.Intn(len(insureds))]
				if rand.Float64() < cfg.ReadRatio {
					doList(client, cfg.APIBaseURL, insured, &reads)
				} else {
					country := countries[rand.Intn(len(countries))]
					scheduleID := rand.Int63n(cfg.SlotLimit) + 1
					doCreate(client, cfg.APIBaseURL, insured, scheduleID, country, &creates)
				}
			}
		}()
	}
	wg.Wait()

	log.Printf("creates: total=%d success=%d conflict=%d error=%d",
		creates.Total, creates.Success, creates.Conflict, creates.Error)
	log.Printf("reads:   total=%d success=%d error=%d",
		reads.Total, reads.Success, reads.Error)
}

func doCreate(client *http.Client, baseURL, insuredID string, scheduleID int64, country string, m *OperationMetrics) {
	body, _ := json.Marshal(map[string]any{
		"insuredId":  insuredID,
		"scheduleId": scheduleID,
		"countryISO": country,
	})

	resp, err := client.Post(baseURL+"/appointments", "application/json", bytes.NewReader(body))
	if err != nil {
		m.Record(false, false)
		return
	}
	defer drain(resp)

	m.Record(resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusConflict)
}

func doList(client *http.Client, baseURL, insuredID string, m *OperationMetrics) {
	resp, err := client.Get(baseURL + "/appointments/" + insuredID)
	if err != nil {
		m.Record(false, false)
		return
	}
	defer drain(resp)

	m.Record(resp.StatusCode == http.StatusOK, false)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func loadSimConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   envOr("SIM_API_URL", "http://127.0.0.1:8080"),
		Duration:     30 * time.Second,
		Workers:      8,
		ReadRatio:    0.3,
		InsuredCount: 200,
		SlotLimit:    500,
	}

	if v := os.Getenv("SIM_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Duration = d
		}
	}
	if v := os.Getenv("SIM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("SIM_READ_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.ReadRatio = f
		}
	}
	if v := os.Getenv("SIM_SLOT_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.SlotLimit = n
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
