package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lead-agent/internal/aggregator"
	"lead-agent/internal/config"
	"lead-agent/internal/delivery"
	"lead-agent/internal/followup"
	"lead-agent/internal/health"
	"lead-agent/internal/housekeeping"
	"lead-agent/internal/inbound"
	"lead-agent/internal/integrations/elevenlabs"
	"lead-agent/internal/integrations/openai"
	"lead-agent/internal/integrations/paramstore"
	"lead-agent/internal/integrations/telegram"
	"lead-agent/internal/leads"
	"lead-agent/internal/logger"
	"lead-agent/internal/observability"
	"lead-agent/internal/operator"
	"lead-agent/internal/prompts"
	"lead-agent/internal/ratelimit"
	"lead-agent/internal/repository"
	"lead-agent/internal/retry"
	"lead-agent/internal/usecase"
	"lead-agent/internal/voice"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent",
	Long:  `Poll the chat transport, answer leads, run follow-ups and serve health and the operator API.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	config.LoadEnvFiles()
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.New(cfg)

	cloud := &awsLoader{}
	if cfg.NeedsSecrets() {
		awsCfg, err := cloud.load(ctx)
		if err != nil {
			return err
		}
		params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return err
		}
		if err := cfg.ResolveSecrets(ctx, params); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdownTracing, err := observability.Setup(ctx, cfg.OTLPEndpoint, cfg.Version, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	backend, err := openBackend(ctx, cfg, cloud)
	if err != nil {
		return err
	}
	store, err := repository.Open(ctx, backend, cfg.MaxHistory, log)
	if err != nil {
		return err
	}
	catalogue, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		return err
	}

	loc := cfg.Location()
	limiter, err := ratelimit.NewLimiter(cfg.MaxMessagesPerDay, cfg.MaxMessagesPerUserDay, loc, log, ratelimit.WithStore(store))
	if err != nil {
		return err
	}
	quiet, err := ratelimit.NewQuietHours(cfg.NightStartHour, cfg.NightEndHour, loc, nil)
	if err != nil {
		return err
	}
	machine, err := leads.NewMachine(store, log)
	if err != nil {
		return err
	}

	tg, err := telegram.New(cfg.TelegramBaseURL, cfg.TelegramToken, cfg.TelegramRPS)
	if err != nil {
		return err
	}
	var botID int64
	if me, err := tg.GetMe(ctx); err != nil {
		log.Warn().Err(err).Msg("could not identify the bot account")
	} else {
		botID = me.ID
		log.Info().Str("bot", me.Username).Msg("transport connected")
	}

	gen, err := openai.NewClient(cfg.OpenAIKey, cfg.OpenAIModel, openai.WithBaseURL(cfg.OpenAIBaseURL))
	if err != nil {
		return err
	}
	genExec := retry.NewExecutor("generate", retry.Policy{
		MaxAttempts:    cfg.GenerationMaxRetries,
		BaseDelay:      cfg.GenerationBaseDelay,
		Jitter:         time.Second,
		OverloadJitter: 3 * time.Second,
	}, log)
	sendExec := retry.NewExecutor("send", retry.Policy{
		MaxAttempts: cfg.TransportMaxRetries,
		BaseDelay:   time.Second,
		Jitter:      time.Second,
		MaxWait:     cfg.TransportMaxWait,
	}, log)

	conv, err := usecase.NewConversationService(gen, store, catalogue, genExec, log,
		usecase.WithDefaultLanguage(cfg.DefaultLanguage))
	if err != nil {
		return err
	}

	pipelineOpts := []delivery.Option{delivery.WithCounter(limiter)}
	var stt inbound.Transcriber
	if cfg.ElevenLabsKey != "" && cfg.ElevenLabsVoiceID != "" {
		speech, err := elevenlabs.New(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, elevenlabs.WithBaseURL(cfg.ElevenLabsBaseURL))
		if err != nil {
			return err
		}
		renderer, err := voice.NewRenderer(speech, cfg.FFmpegPath, cfg.AudioWorkers, log, voice.WithAmbientDir(cfg.AmbientDir()))
		if err != nil {
			return err
		}
		pipelineOpts = append(pipelineOpts, delivery.WithVoice(renderer))
		stt = speech
	} else {
		log.Warn().Msg("speech is not configured, replies are text only")
	}
	pipeline, err := delivery.NewPipeline(tg, store, machine, sendExec, cfg.DefaultVoiceRatio, log, pipelineOpts...)
	if err != nil {
		return err
	}

	desk, err := operator.NewDesk(store, tg, machine, conv, pipeline, cfg.OperatorChatID, cfg.FollowUpMaxAttempts, log,
		operator.WithSendRetry(sendExec))
	if err != nil {
		return err
	}
	pipeline.SetNotifier(desk)

	tracker, err := followup.NewTracker(store, nil)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(cfg.Version, nil)
	agent, err := usecase.NewAgent(conv, store, machine, pipeline, desk, tracker, log, usecase.WithRecorder(monitor))
	if err != nil {
		return err
	}

	batches, err := aggregator.New(ctx, cfg.BatchDelay, agent.Handle, log)
	if err != nil {
		return err
	}
	defer batches.Close()
	desk.SetCanceller(batches)

	router, err := inbound.NewRouter(inbound.Config{
		OperatorChatID: cfg.OperatorChatID,
		BotID:          botID,
		Blacklist:      cfg.BlacklistIDs,
		Fragments: inbound.Fragments{
			Sticker: catalogue.StickerFragment,
			Photo:   catalogue.PhotoFragment,
			Voice:   catalogue.VoiceFragment,
		},
	}, tg, stt, batches, agent, store, limiter, desk, log)
	if err != nil {
		return err
	}

	scheduler, err := followup.NewScheduler(followup.Config{
		Delay:       cfg.FollowUpDelay,
		MaxAttempts: cfg.FollowUpMaxAttempts,
		Interval:    cfg.FollowUpInterval,
		SpacingMin:  cfg.FollowUpSpacingMin,
		SpacingMax:  cfg.FollowUpSpacingMax,
		Location:    loc,
	}, store, conv, pipeline, limiter, quiet, log)
	if err != nil {
		return err
	}

	server, err := health.NewServer(cfg.Addr(), monitor, desk, cfg.OperatorToken, log)
	if err != nil {
		return err
	}

	keeper := housekeeping.New(log)
	jobs := []struct {
		name, schedule string
		job            housekeeping.Job
	}{
		{"backup", cfg.BackupSchedule, housekeeping.BackupJob(store, cfg.BackupDir(), cfg.BackupMaxFiles, nil, log)},
		{"heartbeat", cfg.HeartbeatSchedule, housekeeping.Func(monitor.Heartbeat)},
		{"error-window", housekeeping.ErrorWindowSchedule, housekeeping.Func(monitor.ResetErrors)},
	}
	for _, j := range jobs {
		if err := keeper.Schedule(j.name, j.schedule, j.job); err != nil {
			return err
		}
	}

	monitor.Heartbeat()
	logStartup(log, cfg, store)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return keeper.Run(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if pending := batches.Pending(); pending > 0 {
		log.Info().Int("pending", pending).Msg("dropping pending batches on shutdown")
	}
	log.Info().Msg("agent stopped")
	return err
}

// awsLoader loads the shared AWS configuration at most once.
type awsLoader struct {
	cfg    aws.Config
	loaded bool
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	l.cfg, l.loaded = cfg, true
	return cfg, nil
}

func openBackend(ctx context.Context, cfg *config.Config, cloud *awsLoader) (repository.Backend, error) {
	if cfg.StoreBackend == "dynamodb" {
		awsCfg, err := cloud.load(ctx)
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoBackend(awsdynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
	}
	return repository.NewFileBackend(cfg.DataDir())
}

func logStartup(log zerolog.Logger, cfg *config.Config, store *repository.Store) {
	st := store.Stats()
	log.Info().
		Str("version", cfg.Version).
		Str("store", cfg.StoreBackend).
		Int("conversations", st.Conversations).
		Int("blocked", st.Blocked).
		Int("data_collected", st.DataCollected).
		Int("unreachable", st.Unreachable).
		Int("max_per_day", cfg.MaxMessagesPerDay).
		Int("max_per_recipient", cfg.MaxMessagesPerUserDay).
		Msg("agent started")
}
