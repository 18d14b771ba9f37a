package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/pyropy/carlens/core/assembler"
	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/publisher"
	"github.com/pyropy/carlens/core/recognition"
	"github.com/pyropy/carlens/core/session"
	"github.com/pyropy/carlens/core/store"
	"github.com/pyropy/carlens/core/transport"
	"github.com/pyropy/carlens/lib/logger"
)

var log, _ = logger.New("server")

func main() {
	if err := run(); err != nil {
		log.Fatalln("startup", "ERROR", err)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := GetConfig()
	if err != nil {
		log.Errorw("startup", "error", "config error", "cause", err)
		return err
	}

	// .env may have changed the log settings
	if l, err := logger.NewWithOptions("server", logger.Options{Level: cfg.Log.Level, File: cfg.Log.File}); err == nil {
		log = l
	}
	defer log.Sync()

	asm, err := assembler.NewReassembler(cfg.Upload.Path, log.Named("assembler"))
	if err != nil {
		log.Errorw("startup", "error", "upload dir", "path", cfg.Upload.Path)
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Errorw("startup", "error", "store unavailable", "cause", err)
		return err
	}

	pub, err := openPublisher(ctx, cfg)
	if err != nil {
		st.Close()
		log.Errorw("startup", "error", "publisher unavailable", "cause", err)
		return err
	}

	recognizer, err := newRecognizer(ctx, cfg)
	if err != nil {
		_ = multierr.Combine(st.Close(), pub.Close())
		log.Errorw("startup", "error", "recognizer unavailable", "cause", err)
		return err
	}

	pipeline := session.NewPipeline(session.Options{
		Workers:        cfg.Pipeline.Workers,
		Buffer:         cfg.Pipeline.Buffer,
		RecognizeEvery: cfg.Pipeline.RecognizeEvery,
		Format:         cfg.PlateFormat(),
		Placeholder:    cfg.PlatePlaceholder(),
	}, func() framesource.Decoder {
		return framesource.NewFFmpegDecoder()
	}, recognizer, st, pub, log.Named("session"))

	th := transport.NewHandler(asm, pipeline, transport.Options{
		IndexFrames: cfg.Pipeline.IndexFrames,
		JPEGQuality: cfg.Pipeline.JPEGQuality,
	}, log.Named("transport"))

	api := NewAPI(st, asm, pipeline, th)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		log.Errorw("startup", "error", "net listen failed")
		return multierr.Combine(err, st.Close(), pub.Close())
	}

	listenAddr := l.Addr().String()
	srv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infow("startup", "status", "server started", "address", listenAddr, "recognizer", cfg.Recognizer.Kind, "workers", cfg.Pipeline.Workers)
	defer log.Infow("shutdown", "status", "server stopped", "address", listenAddr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(l)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-serveErr:
		log.Errorw("shutdown", "error", "serve failed", "cause", err)
	case <-shutdown:
		log.Infow("shutdown", "status", "server stopping", "address", listenAddr)
		err = nil
	}

	sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// no new connections after Shutdown; Close then waits for running
	// sessions to store their records
	shutdownErr := srv.Shutdown(sctx)
	th.Close()

	return multierr.Combine(err, shutdownErr, st.Close(), pub.Close())
}

func openStore(ctx context.Context, cfg *Config) (store.Store, error) {
	if cfg.Store.DatabaseURL != "" {
		return store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
	}

	return store.NewLevelDBStore(cfg.Store.Path)
}

func openPublisher(ctx context.Context, cfg *Config) (publisher.Publisher, error) {
	if cfg.Redis.Addr == "" {
		return publisher.Nop{}, nil
	}

	return publisher.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Channel)
}

func newRecognizer(ctx context.Context, cfg *Config) (recognition.Recognizer, error) {
	switch cfg.Recognizer.Kind {
	case RecognizerRekognition:
		return recognition.NewRekognitionForRegion(ctx, cfg.Recognizer.AWSRegion, recognition.RekognitionOptions{
			PlateLength:   len(cfg.PlateFormat()),
			MinConfidence: cfg.Recognizer.MinConfidence,
			JPEGQuality:   cfg.Pipeline.JPEGQuality,
		}, log.Named("recognition"))
	default:
		return recognition.Passthrough{}, nil
	}
}
