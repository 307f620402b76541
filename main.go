package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	adhoc "DepthDetStream/Adhoc"
	"DepthDetStream/annotate"
	"DepthDetStream/capture"
	"DepthDetStream/config"
	"DepthDetStream/engine"
	backend "DepthDetStream/gRPC"
	iface "DepthDetStream/interface"
	"DepthDetStream/logger"
	"DepthDetStream/monitor"
	"DepthDetStream/stream"
	"DepthDetStream/web"

	"go.uber.org/zap"
)

const warmupRuns = 3

func loadModels(ctx context.Context, cfg config.Config) ([]*engine.Detector, error) {
	var detectors []*engine.Detector
	for _, m := range cfg.Models {
		log := logger.Named("engine")
		if err := engine.EnsureModel(ctx, m.Path, m.URL, log); err != nil {
			return detectors, fmt.Errorf("model %s: %w", m.Name, err)
		}
		names := iface.NamesConf{IsFile: false, Data: m.Names}
		if m.NamesFile != "" {
			names = iface.NamesConf{IsFile: true, Data: m.NamesFile}
		}
		d := engine.NewDetector(m.Name, log)
		d.SetInputSize(m.InputSize)
		if err := d.LoadModel(m.Path, names, m.Conf, m.Iou, m.UseGPU); err != nil {
			return detectors, fmt.Errorf("model %s: %w", m.Name, err)
		}
		detectors = append(detectors, d)
		if m.UseGPU {
			log.Info("Using GPU, warming up", zap.String("model", m.Name))
			if err := d.Warmup(warmupRuns); err != nil {
				log.Warn("warmup failed", zap.String("model", m.Name), zap.Error(err))
			}
		}
	}
	return detectors, nil
}

func buildFeeds(ctx context.Context, cfg config.Config, hub *capture.Hub, detectors []*engine.Detector, obs stream.Observer) (*stream.Set, error) {
	set := stream.NewSet()
	log := logger.Named("stream")
	q := cfg.Server.JPEGQuality
	feeds := []*stream.Feed{
		stream.NewFeed(ctx, "rgb", stream.PathRGB, "RGB Stream", hub, stream.RGB{Quality: q}, obs, log),
		stream.NewFeed(ctx, "depth", stream.PathDepth, "Depth Stream", hub, stream.Depth{Quality: q}, obs, log),
	}
	acfg := annotate.Config{
		RealWidthM:      cfg.Annotate.RealWidthM,
		FocalLengthPx:   cfg.Annotate.FocalLengthPx,
		ConfThreshold:   cfg.Annotate.ConfThreshold,
		CloseDistanceCm: cfg.Annotate.CloseDistanceCm,
	}
	for i, d := range detectors {
		renderer := &stream.Detect{
			Feed:      d.Name,
			Annotator: annotate.New(acfg, d, logger.Named("annotate").With(zap.String("model", d.Name))),
			Quality:   q,
			Events:    set.Events,
			Observer:  obs,
		}
		title := fmt.Sprintf("YOLO Model %d", i+1)
		feeds = append(feeds, stream.NewFeed(ctx, d.Name, stream.YoloPath(i), title, hub, renderer, obs, log))
	}
	for _, f := range feeds {
		if err := set.Add(f); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, cfgErr := config.Load(*configPath)
	if cfgErr != nil && !errors.Is(cfgErr, config.ErrNoConfigFile) {
		fmt.Println("Failed to load config file:", cfgErr)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()
	if cfgErr != nil {
		log.Warn("config file not found, using defaults", zap.String("path", *configPath))
	}

	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", runtime.NumCPU())
	fmt.Printf(" HTTP    : %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf(" Metrics : %d\n", cfg.Server.MetricsPort)
	fmt.Printf(" Camera  : %s %dx%d@%d\n", cfg.Camera.Kind, cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS)
	fmt.Printf(" Models  : %d\n", len(cfg.Models))
	fmt.Println(strings.Repeat("#", 64))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	detectors, err := loadModels(ctx, cfg)
	defer func() {
		for _, d := range detectors {
			d.Destroy()
		}
	}()
	if err != nil {
		log.Error("failed to load model", zap.Error(err))
		os.Exit(1)
	}

	src, err := capture.Open(cfg.Camera, logger.Named("capture"))
	if err != nil {
		log.Error("failed to open camera", zap.Error(err))
		os.Exit(1)
	}
	defer src.Close()
	hub := capture.NewHub(src, logger.Named("hub"))
	hub.Start(ctx)

	mon, err := monitor.New(logger.Named("monitor"))
	if err != nil {
		log.Error("failed to start monitor", zap.Error(err))
		os.Exit(1)
	}
	mon.WatchHub(hub.Stats)

	feeds, err := buildFeeds(ctx, cfg, hub, detectors, mon)
	if err != nil {
		log.Error("failed to build feeds", zap.Error(err))
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if cfg.Server.MetricsPort > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mon.StartMon(ctx, cfg.Server.MetricsPort)
		}()
	}

	var rpc *backend.Server
	if cfg.Server.RPCPort > 0 {
		rpc, err = backend.StartGRPCServer(cfg.Server.RPCPort, func(string) { mon.RPCTotal.Inc() }, logger.Named("grpc"))
		if err != nil {
			log.Error("failed to start gRPC server", zap.Error(err))
			os.Exit(1)
		}
		for _, d := range detectors {
			rpc.SetServing(backend.ModelService(d.Name), true)
		}
	}

	if cfg.Registry.Enabled {
		ip, err := adhoc.GetOutboundIP()
		if err != nil {
			log.Warn("Failed to get outbound IP, registering loopback", zap.Error(err))
			ip = "127.0.0.1"
		}
		paths := make([]string, 0, len(feeds.Feeds()))
		for _, f := range feeds.Feeds() {
			paths = append(paths, f.Path)
		}
		reg := adhoc.NewRegistrar(cfg.Registry.Host, cfg.Registry.Port, logger.Named("registry"))
		wg.Add(1)
		go reg.SendAliveMessage(ctx, ip, cfg.Server.Port, paths, &wg)
	} else {
		log.Info("UseRegServer is set to false, skipping registration")
	}

	models := make([]iface.Detector, 0, len(detectors))
	for _, d := range detectors {
		models = append(models, d)
	}
	srv := web.New(feeds, hub, models, web.Options{
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		KeepAlive:   stream.DefaultKeepAlive,
		Placeholder: placeholder(cfg, log),
	}, logger.Named("web"))
	if rpc != nil {
		rpc.SetServing("", true)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	if err := srv.Run(ctx, addr); err != nil {
		log.Error("http server failed", zap.Error(err))
		stop()
	}
	if rpc != nil {
		rpc.GracefulStop()
	}
	<-hub.Done()
	wg.Wait()
	log.Info("Safely exited")
}

func placeholder(cfg config.Config, log *zap.Logger) []byte {
	data, err := stream.Placeholder(cfg.Camera.Width, cfg.Camera.Height, "waiting for camera")
	if err != nil {
		log.Warn("failed to render placeholder frame", zap.Error(err))
		return nil
	}
	return data
}
