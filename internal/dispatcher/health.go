package dispatcher

import (
	"net/http"
	"time"
)

const (
	selfHealthInterval      = 5 * time.Second
	selfHealthFailThreshold = 3
)

// watchSelfHealth polls the dispatcher's own process health endpoint and
// marks the dispatcher unhealthy after three consecutive failures,
// per §4.6's self-shedding mechanism. While unhealthy, runItem sleeps
// briefly before admitting new work rather than refusing it outright.
func (d *Dispatcher) watchSelfHealth() {
	defer d.wg.Done()

	ticker := time.NewTicker(selfHealthInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	client := &http.Client{Timeout: 2 * time.Second}
	url := d.cfg.SelfHealthURL
	if url == "" {
		url = "http://127.0.0.1:8080/health"
	}

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			ok := selfHealthCheck(client, url)
			if ok {
				consecutiveFailures = 0
				d.healthy.Store(true)
				d.metrics.Unhealthy.Set(0)
				continue
			}
			consecutiveFailures++
			if consecutiveFailures >= selfHealthFailThreshold {
				d.healthy.Store(false)
				d.metrics.Unhealthy.Set(1)
				d.logger.Warn("dispatcher self-health-check failing", "consecutive_failures", consecutiveFailures)
			}
		}
	}
}

// selfHealthCheck is overridable in tests; production wiring points it at
// the process's own /health route via the C9 HTTP surface.
var selfHealthCheck = func(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
