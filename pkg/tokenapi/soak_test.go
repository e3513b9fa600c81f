//go:build soak

package tokenapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

func TestSoakTokenIssue(t *testing.T) {
	duration := envDuration("SOAK_DURATION", 30*time.Second)
	if testing.Short() {
		duration = 3 * time.Second
	}
	rps := envInt("SOAK_RPS", 200)

	api, _ := newTestAPI(t, Config{RatePerSecond: float64(rps * 4), RateBurst: rps * 4})
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    srv.URL + "/v1/token",
		Body:   []byte(`{"client_id": 42, "user_data": "c29haw=="}`),
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	attacker := vegeta.NewAttacker(
		vegeta.Timeout(5*time.Second),
		vegeta.Workers(uint64(envInt("SOAK_WORKERS", 10))),
		vegeta.MaxWorkers(uint64(envInt("SOAK_MAX_WORKERS", 100))),
	)

	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: rps, Per: time.Second}, duration, "tokenapi-soak") {
		metrics.Add(res)
	}
	metrics.Close()

	t.Logf(
		"soak done requests=%d success=%.2f p50=%s p95=%s p99=%s",
		metrics.Requests,
		metrics.Success,
		metrics.Latencies.P50,
		metrics.Latencies.P95,
		metrics.Latencies.P99,
	)
	if metrics.Requests == 0 {
		t.Fatalf("no requests sent")
	}
	if metrics.Success < 1.0 {
		t.Fatalf("soak success=%.2f errors=%v", metrics.Success, metrics.Errors)
	}
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(os.Getenv(key))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
