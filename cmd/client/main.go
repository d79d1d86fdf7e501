package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/framebridge/internal/client"
	"github.com/zhouzirui/framebridge/internal/config"
	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/handshake"
	"github.com/zhouzirui/framebridge/internal/service/execution"
	"github.com/zhouzirui/framebridge/internal/service/workspace"
)

// client 进程模拟嵌入帧：等待宿主握手，修补适配节点，然后长轮询服务器。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file loaded")
	}

	relayURL := frame.RelayURL(cfg.Client.RelayURL, cfg.Client.FrameID, frame.ClientRole)
	port, err := frame.Dial(ctx, relayURL, cfg.Client.Origin, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("relay", relayURL).Msg("failed to connect to frame relay")
	}
	defer port.Close()

	queue := execution.NewQueue()
	ws := workspace.NewService(queue, logger)
	if path := cfg.Client.WorkflowFile; path != "" {
		restored, err := ws.Restore(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("saved workflow not restored")
		} else if restored {
			logger.Info().Str("path", path).Msg("saved workflow restored")
		}
	}

	rt := client.New(port, ws, client.Config{
		HostOrigin:       cfg.Client.HostOrigin,
		HandshakeTimeout: cfg.Client.HandshakeTimeout,
		PollEndpoint:     cfg.Client.PollEndpoint(),
		RetryDelay:       cfg.Client.RetryDelay,
	}, logger)

	logger.Info().
		Str("frame_id", cfg.Client.FrameID).
		Str("poll_endpoint", cfg.Client.PollEndpoint()).
		Msg("client frame waiting for host")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := rt.Run(gctx)
		if errors.Is(err, handshake.ErrHandshakeTimeout) {
			// 没有会话时帧仍可独立使用，只是不接受远程请求
			<-gctx.Done()
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		drain(gctx, queue, logger)
		return nil
	})

	err = g.Wait()
	if path := cfg.Client.WorkflowFile; path != "" {
		if saveErr := ws.Save(context.Background(), path); saveErr != nil {
			logger.Error().Err(saveErr).Str("path", path).Msg("workflow not saved")
		}
	}
	if err != nil {
		port.Close()
		logger.Fatal().Err(err).Msg("client stopped")
	}
}

// drain stands in for the graph executor: it pops prompts as they are queued.
func drain(ctx context.Context, queue *execution.Queue, logger zerolog.Logger) {
	for {
		item, err := queue.Next(ctx)
		if err != nil {
			return
		}
		logger.Info().
			Int("number", item.Number).
			Str("prompt_id", item.PromptID).
			Bool("front", item.Front).
			Int("bytes", len(item.Prompt)).
			Msg("prompt executed")
	}
}
