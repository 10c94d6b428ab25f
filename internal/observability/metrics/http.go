package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	HTTPLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveRetry records one executor attempt outcome.
func ObserveRetry(operation, outcome string) {
	RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

// ObserveBreakerState records a breaker transition.
func ObserveBreakerState(name string, open bool) {
	if open {
		BreakerOpened.WithLabelValues(name).Inc()
		BreakerOpen.WithLabelValues(name).Set(1)
		return
	}
	BreakerOpen.WithLabelValues(name).Set(0)
}

// ObserveRateLimitRejection records a denied CheckLimit call.
func ObserveRateLimitRejection(bucket string) {
	RateLimitRejections.WithLabelValues(bucket).Inc()
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(cache, result).Inc()
}

// ObserveCacheEvictions records entries removed by a sweep.
func ObserveCacheEvictions(cache string, n int) {
	if n <= 0 {
		return
	}
	CacheEvictions.WithLabelValues(cache).Add(float64(n))
}

// ObserveSubscriptionEvent records an event read from an upstream subscription.
func ObserveSubscriptionEvent(kind string) {
	SubscriptionEvents.WithLabelValues(kind).Inc()
}

// ObserveListenerFailure records a listener error or panic.
func ObserveListenerFailure(kind string) {
	ListenerFailures.WithLabelValues(kind).Inc()
}

// ObserveReconnectAttempt records a reconnect dial.
func ObserveReconnectAttempt() {
	ReconnectAttempts.Inc()
}

// SetConnectionPhase marks current as the active phase among all phases.
func SetConnectionPhase(current string, all []string) {
	for _, phase := range all {
		value := 0.0
		if phase == current {
			value = 1
		}
		ConnectionPhase.WithLabelValues(phase).Set(value)
	}
}

// ObserveAlert records an emitted alert.
func ObserveAlert(kind string) {
	Alerts.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
