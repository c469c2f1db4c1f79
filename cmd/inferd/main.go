package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/joho/godotenv"

	"github.com/seclens/inferd/pkg/app"
	"github.com/seclens/inferd/pkg/config"
	"github.com/seclens/inferd/pkg/detect"
	"github.com/seclens/inferd/pkg/logger"
	"github.com/seclens/inferd/pkg/video"
)

func main() {
	// A local .env is a convenience for development; absence is fine
	_ = godotenv.Load()

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "environment: %v\n", err)
		os.Exit(1)
	}

	var (
		configPath = flag.String("config", "", "configuration file path (required)")
		httpAddr   = flag.String("http", env.HTTPAddr, "observability endpoint bind address")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: --config")
		flag.Usage()
		os.Exit(1)
	}

	log, err := logger.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	if err := run(*configPath, *httpAddr, env, log); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath, httpAddr string, env config.Env, log *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credentials come from the standard SDK chain; the core never
	// reads them directly
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(env.AWSRegion))
	if err != nil {
		return fmt.Errorf("aws configuration: %w", err)
	}

	deps := app.Deps{
		AWS: awsCfg,
		Runtimes: detect.Runtimes{
			Runner: func(model string) (detect.ModelRunner, error) {
				return detect.NewHTTPRunner(env.InferenceURL, model, 30*time.Second), nil
			},
			OCR: func(engine, lang string) (detect.OCREngine, error) {
				return detect.NewHTTPOCR(env.InferenceURL, engine, lang, 15*time.Second), nil
			},
		},
		NewDecoder: func(cameraID string) video.Decoder {
			fps := 0
			if cam := cfg.Cameras[cameraID]; cam != nil {
				fps = cam.FPSTarget
			}
			return video.NewFFmpegDecoder(env.FFmpegPath, fps,
				log.With("camera_id", cameraID, "component", "decoder"))
		},
	}

	a, err := app.New(cfg, deps, app.DefaultOptions(httpAddr), log)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	log.Info("service starting",
		"cameras", len(cfg.EnabledCameras()),
		"http", httpAddr,
		"region", env.AWSRegion)

	return a.Run(ctx)
}
