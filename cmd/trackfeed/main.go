package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/rider-agent/internal/geo"
	"github.com/example/rider-agent/internal/ingest"
	"github.com/example/rider-agent/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfeed_messages_consumed_total",
		Help: "Total rider location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfeed_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfeed_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trackfeed_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// PositionStore is where consumed records land.
type PositionStore interface {
	Upsert(ctx context.Context, rec ingest.LocationRecord) error
	Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]redis.GeoLocation, error)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve metrics, health and lookups on")
	flag.Parse()

	_ = godotenv.Load()
	logger := logging.NewLogger(os.Getenv("LOG_LEVEL")).With("component", "trackfeed")

	brokers := []string{"localhost:9092"}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(env, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := getenv("KAFKA_TOPIC", "rider-locations")
	group := getenv("KAFKA_GROUP", "rider-trackfeed")
	redisAddr := getenv("REDIS_ADDR", "localhost:6379")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	store := geo.NewPositions(rc, getenv("GEO_KEY", geo.DefaultKey))

	srv := &http.Server{Addr: metricsAddr, Handler: newMux(store, func(ctx context.Context) error { return rc.Ping(ctx).Err() }), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics_listening", "addr", metricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_stopped", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("trackfeed_started", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("trackfeed_shutdown")
				return
			}
			logger.Warn("kafka_read_failed", "err", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		if err := handleMessage(ctx, store, m.Value); err != nil {
			logger.Warn("message_dropped", "offset", m.Offset, "err", err)
		}
	}
}

// handleMessage decodes one record and writes it to the store.
func handleMessage(ctx context.Context, store PositionStore, value []byte) error {
	msgsConsumed.Inc()
	var rec ingest.LocationRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("decode: %w", err)
	}
	if rec.RiderID == "" {
		msgsInvalid.Inc()
		return errors.New("decode: missing rider_id")
	}
	if err := store.Upsert(ctx, rec); err != nil {
		redisErrors.Inc()
		return err
	}
	redisUpdates.Inc()
	return nil
}

func newMux(store PositionStore, ping func(context.Context) error) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ping(r.Context()); err != nil {
			http.Error(w, "redis not ready", 503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte("ready"))
	})
	mux.HandleFunc("/riders/nearby", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil {
			http.Error(w, "lat and lon are required", 400)
			return
		}
		radius := 2000.0
		if v, err := strconv.ParseFloat(q.Get("radius"), 64); err == nil && v > 0 {
			radius = v
		}
		res, err := store.Nearby(r.Context(), lat, lon, radius, 20)
		if err != nil {
			http.Error(w, err.Error(), 502)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
	return mux
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
