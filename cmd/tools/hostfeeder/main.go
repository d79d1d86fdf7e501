package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/framebridge/internal/config"
	"github.com/zhouzirui/framebridge/internal/frame"
	"github.com/zhouzirui/framebridge/internal/handshake"
	"github.com/zhouzirui/framebridge/internal/model/graph"
	"github.com/zhouzirui/framebridge/internal/model/session"
	"github.com/zhouzirui/framebridge/internal/model/workflow"
)

// hostfeeder 扮演宿主页面：通过中继向每个客户端帧推送身份消息，直到对方确认。
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	workflowType := flag.String("workflow", cfg.Feeder.WorkflowType, "tab-qualified workflow type id, e.g. postprocess_txt2img")
	frames := flag.String("frames", strings.Join(cfg.Feeder.Frames, ","), "comma separated frame ids")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := workflow.NewMemoryStore(workflow.Seed())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register workflow types")
	}
	wt, ok := store.FindByID(*workflowType)
	if !ok {
		logger.Fatal().Str("workflow_type", *workflowType).Strs("known", store.IDs()).Msg("unknown workflow type")
	}

	var defaultPayload json.RawMessage
	g, err := wt.ResolveDefaultGraph(graph.FromHostType, graph.ToHostType)
	if err != nil {
		logger.Fatal().Err(err).Str("workflow_type", wt.String()).Msg("default workflow is invalid")
	}
	if g != nil {
		if defaultPayload, err = g.Marshal(); err != nil {
			logger.Fatal().Err(err).Msg("failed to encode default workflow")
		}
	}

	var targets []handshake.Target
	for _, frameID := range strings.Split(*frames, ",") {
		frameID = strings.TrimSpace(frameID)
		if frameID == "" {
			continue
		}
		port, err := frame.Dial(ctx, frame.RelayURL(cfg.Feeder.RelayURL, frameID, frame.HostRole), cfg.Feeder.Origin, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("frame_id", frameID).Msg("failed to connect to frame relay")
		}
		defer port.Close()

		targets = append(targets, handshake.Target{
			Port:         port,
			TargetOrigin: cfg.Feeder.ClientOrigin,
			Message: session.HandshakeMessage{
				SessionID:      *workflowType,
				ClientKey:      uuid.NewString(),
				DisplayName:    wt.DisplayName,
				InputSchema:    wt.InputTypes,
				OutputSchema:   wt.OutputTypes,
				DefaultPayload: defaultPayload,
			},
		})
	}
	if len(targets) == 0 {
		logger.Fatal().Msg("no frames to feed")
	}

	feeder := handshake.NewFeeder(cfg.Feeder.Interval, nil, logger)
	if err := feeder.FeedAll(ctx, targets); err != nil {
		logger.Fatal().Err(err).Msg("handshake did not complete")
	}
	logger.Info().Int("frames", len(targets)).Str("session_id", *workflowType).Msg("all client frames identified")
}
