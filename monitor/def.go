package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"DepthDetStream/annotate"
	"DepthDetStream/capture"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const sampleInterval = 500 * time.Millisecond

// Monitor owns the process registry. It implements stream.Observer.
type Monitor struct {
	registry *prometheus.Registry
	proc     *process.Process
	log      *zap.Logger

	memUsage prometheus.Gauge
	cpuUsage prometheus.Gauge
	RPCTotal prometheus.Counter

	rendered   *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	failed     *prometheus.CounterVec
	renderTime *prometheus.HistogramVec
	frameBytes *prometheus.GaugeVec
	clients    *prometheus.GaugeVec
	detections *prometheus.CounterVec
}

func New(log *zap.Logger) (*Monitor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		proc:     proc,
		log:      log,
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_Megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
		RPCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grpc_requests_total",
			Help: "Total number of gRPC requests processed",
		}),
		rendered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_frames_rendered_total",
			Help: "Frames rendered and sent to clients, per feed",
		}, []string{"feed"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_frames_skipped_total",
			Help: "Frame pairs skipped because the needed frame was absent",
		}, []string{"feed"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_render_errors_total",
			Help: "Frame pairs that failed to render",
		}, []string{"feed"}),
		renderTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feed_render_seconds",
			Help:    "Time to render and encode one frame",
			Buckets: []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"feed"}),
		frameBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_frame_bytes",
			Help: "Size of the last encoded JPEG",
		}, []string{"feed"}),
		clients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feed_clients",
			Help: "Connected MJPEG clients",
		}, []string{"feed"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Detections returned by the model, by outcome",
		}, []string{"feed", "outcome"}),
	}
	m.registry.MustRegister(m.memUsage, m.cpuUsage, m.RPCTotal,
		m.rendered, m.skipped, m.failed, m.renderTime, m.frameBytes, m.clients, m.detections)
	return m, nil
}

// WatchHub exposes the hub counters; stats is read on every scrape.
func (m *Monitor) WatchHub(stats func() capture.HubStats) {
	counter := func(name, help string, get func(capture.HubStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(get(stats())) })
	}
	m.registry.MustRegister(
		counter("hub_frames_captured_total", "Frame pairs read from the camera",
			func(s capture.HubStats) uint64 { return s.Captured }),
		counter("hub_frames_absent_total", "Reads that returned neither frame",
			func(s capture.HubStats) uint64 { return s.Absent }),
		counter("hub_frames_partial_total", "Pairs missing one of the two frames",
			func(s capture.HubStats) uint64 { return s.Partial }),
		counter("hub_read_errors_total", "Camera read errors",
			func(s capture.HubStats) uint64 { return s.Errors }),
		counter("hub_frames_dropped_total", "Pairs dropped for slow subscribers",
			func(s capture.HubStats) uint64 { return s.Dropped }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "hub_subscribers",
			Help: "Feeds currently pulling from the camera",
		}, func() float64 { return float64(stats().Subscribers) }),
	)
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) FrameRendered(feed string, took time.Duration, size int) {
	m.rendered.WithLabelValues(feed).Inc()
	m.renderTime.WithLabelValues(feed).Observe(took.Seconds())
	m.frameBytes.WithLabelValues(feed).Set(float64(size))
}

func (m *Monitor) FrameSkipped(feed string) {
	m.skipped.WithLabelValues(feed).Inc()
}

func (m *Monitor) RenderFailed(feed string) {
	m.failed.WithLabelValues(feed).Inc()
}

func (m *Monitor) ClientsChanged(feed string, clients int) {
	m.clients.WithLabelValues(feed).Set(float64(clients))
}

func (m *Monitor) Annotated(feed string, st annotate.Stats) {
	m.detections.WithLabelValues(feed, "drawn").Add(float64(st.Drawn))
	m.detections.WithLabelValues(feed, "low_conf").Add(float64(st.LowConf))
	m.detections.WithLabelValues(feed, "degenerate").Add(float64(st.Degenerate))
}

func (m *Monitor) CheckProcessInfo() {
	if memInfo, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

// StartMon serves /metrics on port and samples the process until ctx is done.
func (m *Monitor) StartMon(ctx context.Context, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error("Prometheus server ListenAndServe error", zap.Error(err))
		}
	}()
	m.log.Info("metrics listening", zap.Int("port", port))

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		m.log.Warn("Prometheus server Shutdown error", zap.Error(err))
	}
}
