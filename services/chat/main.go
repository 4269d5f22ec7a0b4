package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/mymydata/internal/config"
	"github.com/mymydata/internal/handler"
	"github.com/mymydata/internal/live"
	"github.com/mymydata/internal/llm"
	"github.com/mymydata/internal/logger"
	"github.com/mymydata/internal/middleware"
	"github.com/mymydata/internal/repository"
	"github.com/mymydata/internal/service"
	"github.com/mymydata/internal/startup"
	"github.com/mymydata/internal/storage"
	"github.com/mymydata/internal/storage/memory"
	"github.com/mymydata/internal/ws"
)

type options struct {
	configPath string
	dev        bool
	addr       string
}

func main() {
	logger.SetPrefix("chat")
	if err := newRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "chat",
		Short:         "Channel chat service with an LLM assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "path to YAML config (default $CONFIG_PATH or "+config.DefaultPath+")")
	cmd.Flags().BoolVar(&opts.dev, "dev", false, "echo answers instead of calling the model, console logs")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides server_addr")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.addr != "" {
		cfg.ServerAddr = opts.addr
	}
	if opts.dev {
		logger.Configure(cfg.LogLevel, logger.Console())
	} else {
		logger.Configure(cfg.LogLevel, nil)
	}
	logger.Info("starting chat service")

	memStore, err := openConversationStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := memStore.Close(); err != nil {
			logger.Errorf("conversation store close: %v", err)
		}
	}()

	var gen service.AnswerGenerator
	if opts.dev {
		gen = llm.Static{}
		logger.Info("dev mode: answers are echoed")
	} else {
		client := llm.NewClient(llm.ClientConfig{
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
			RetryDelay: cfg.LLM.RetryDelay,
		})
		gen = llm.NewGenerator(client, memStore, cfg.LLM.SystemPrompt)
		logger.Infof("answers by model %s at %s", client.Model(), cfg.LLM.BaseURL)
	}

	broadcaster := live.NewBroadcaster(cfg.CoalesceWindow, cfg.SubscriberBuffer)
	msgRepo := repository.NewMessageRepository(broadcaster)
	channelRepo := repository.NewChannelRepository(msgRepo)
	for _, name := range cfg.DefaultChannels {
		if _, err := channelRepo.Create(ctx, name); err != nil {
			return errors.Wrapf(err, "create default channel %q", name)
		}
	}

	chatSvc := service.NewChatService(channelRepo, msgRepo, gen, service.SystemClock{},
		service.WithContextSize(cfg.AnswerContextSize),
		service.WithAnswerTimeout(cfg.AnswerTimeout),
		service.WithMaxConcurrentAnswers(cfg.MaxConcurrentAnswers),
	)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(channelRepo, msgRepo, broadcaster, chatSvc, ws.Config{
		MaxConns:       cfg.MaxWSConnections,
		HistorySize:    cfg.HistorySize,
		SendBufferSize: cfg.WSSendBufferSize,
		WriteWait:      cfg.WSWriteTimeout,
		PongWait:       cfg.WSPongTimeout,
		MaxMessageSize: cfg.WSMaxMessageSize,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	router := handler.NewRouter(handler.Routes{
		Channels:       handler.NewChannelHandler(channelRepo),
		Messages:       handler.NewMessageHandler(channelRepo, msgRepo, chatSvc),
		Config:         handler.NewConfigHandler(cfg),
		WS:             handler.NewWSHandler(hub, cfg.CORSAllowedOrigins),
		RateLimiter:    middleware.NewIPRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		AllowedOrigins: cfg.AllowedOrigins(),
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var serveErr error
	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = errors.Wrap(err, "server")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")

	// In-flight answers finish (or compensate) before the log goes away.
	answersCtx, answersCancel := context.WithTimeout(context.Background(), cfg.AnswerTimeout)
	defer answersCancel()
	if err := chatSvc.Close(answersCtx); err != nil {
		logger.Errorf("waiting for answers: %v", err)
	}
	broadcaster.Close()
	logger.Info("chat service stopped")
	return serveErr
}

func openConversationStore(ctx context.Context, cfg *config.Config) (storage.ConversationStore, error) {
	if cfg.Redis.URL == "" {
		logger.Info("conversation memory: in-process")
		return memory.New(cfg.Redis.MaxTurns), nil
	}
	client, err := startup.ConnectRedisWithRetry(ctx, cfg.Redis.URL, cfg.Redis.MaxTurns, cfg.Redis.MaxWait)
	if err != nil {
		return nil, err
	}
	logger.Info("conversation memory: redis")
	return client, nil
}
