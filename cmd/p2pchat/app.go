package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/config"
	"github.com/mossy-p/webrtc-chat/internal/chat"
	"github.com/mossy-p/webrtc-chat/internal/gateway"
	applog "github.com/mossy-p/webrtc-chat/internal/log"
	"github.com/mossy-p/webrtc-chat/internal/peer"
	"github.com/mossy-p/webrtc-chat/internal/redis"
	"github.com/mossy-p/webrtc-chat/internal/registry"
	"github.com/mossy-p/webrtc-chat/internal/signal"
	"github.com/mossy-p/webrtc-chat/internal/store/sqlite"
	"github.com/mossy-p/webrtc-chat/internal/tracker"
)

// app owns everything one chat process opens.
type app struct {
	cfg     *config.Config
	log     *zerolog.Logger
	client  *chat.Client
	closers []func() error
}

func newApp(ctx context.Context) (*app, error) {
	bootLevel := flagLogLevel
	if bootLevel == "" {
		bootLevel = "warn"
	}
	cfg, err := config.Load(applog.New(bootLevel), flagConfig)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := flagLogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	a := &app{cfg: cfg, log: applog.New(level)}

	userID := flagUser
	if userID == "" {
		userID = uuid.New().String()
	}

	reg, signals, userID, err := a.openRelay(ctx, userID)
	if err != nil {
		a.Close()
		return nil, err
	}

	st, err := sqlite.New(cfg.Chat.DatabasePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open history %s: %w", cfg.Chat.DatabasePath, err)
	}
	a.closers = append(a.closers, st.Close)

	pionCfg := peer.PionConfigFrom(cfg.Chat)
	a.client = chat.New(chat.Deps{
		UserID:   userID,
		Registry: reg,
		Signals:  signals,
		Tracker:  tracker.New(st, a.log),
		NewTransport: func() (peer.Transport, error) {
			t, err := peer.NewPionTransport(pionCfg)
			if err != nil {
				return nil, err
			}
			return t, nil
		},
		Config: cfg.Chat,
		Logger: a.log,
	})
	return a, nil
}

// openRelay connects to the configured relay. Through the gateway the user
// ID is whatever identity the gateway issued.
func (a *app) openRelay(ctx context.Context, userID string) (chat.Registry, chat.SignalChannel, string, error) {
	switch a.cfg.Chat.RelayMode {
	case config.RelayModeGateway:
		gw, err := gateway.New(a.cfg.Chat.GatewayURL, a.log)
		if err != nil {
			return nil, nil, "", err
		}
		bound, err := gw.Identify(ctx, userID)
		if err != nil {
			return nil, nil, "", err
		}
		a.closers = append(a.closers, gw.Close)
		return gw, gw, bound, nil

	default:
		rdb, err := redis.Connect(ctx, a.cfg.Redis)
		if err != nil {
			return nil, nil, "", err
		}
		a.closers = append(a.closers, rdb.Close)

		signals := signal.NewChannel(rdb, a.cfg.Chat.SignalBlock, a.cfg.Chat.RoomExpiry, a.log)
		a.closers = append(a.closers, signals.Close)
		return registry.New(rdb, a.cfg.Chat.RoomExpiry, a.log), signals, userID, nil
	}
}

// Close leaves any room and releases resources in reverse opening order.
func (a *app) Close() error {
	var first error
	if a.client != nil {
		first = a.client.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func applyFlags(cfg *config.Config) {
	if flagRelay != "" {
		cfg.Chat.RelayMode = flagRelay
	}
	if flagGateway != "" {
		cfg.Chat.GatewayURL = flagGateway
	}
	if flagDatabase != "" {
		cfg.Chat.DatabasePath = flagDatabase
	}
}
