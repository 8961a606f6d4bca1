package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/edirooss/mswitch-server/internal/health"
	"github.com/edirooss/mswitch-server/internal/switcher"
	"go.uber.org/zap"
)

// Key layout:
//
//	mswitch:active                 current active source index (string int)
//	mswitch:events                 LPUSH'd JSON switch events, trimmed
//	mswitch:source:<i>:health      JSON health snapshot per source
const (
	activeKey     = "mswitch:active"
	eventsKey     = "mswitch:events"
	eventsKeep    = 500
	publishBudget = 2 * time.Second
)

func sourceHealthKey(source int) string {
	return "mswitch:source:" + strconv.Itoa(source) + ":health"
}

// SwitchRepository publishes switcher state to the mirror keys. All writes
// run on a short internal budget and log-and-drop on failure.
type SwitchRepository struct {
	client *Client
	log    *zap.Logger
}

// NewSwitchRepository builds the repository on an existing client.
func NewSwitchRepository(log *zap.Logger, client *Client) *SwitchRepository {
	return &SwitchRepository{
		client: client,
		log:    log.Named("switch_repo"),
	}
}

// RecordSwitch implements switcher.Recorder. It returns immediately; the
// Redis write happens on its own goroutine so a slow mirror can never stall
// the engine's consumer loop.
func (r *SwitchRepository) RecordSwitch(ev switcher.SwitchEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishBudget)
		defer cancel()

		payload, err := json.Marshal(ev)
		if err != nil {
			r.log.Error("encode switch event", zap.Error(err))
			return
		}

		pipe := r.client.TxPipeline()
		pipe.Set(ctx, activeKey, strconv.Itoa(ev.To), 0)
		pipe.LPush(ctx, eventsKey, payload)
		pipe.LTrim(ctx, eventsKey, 0, eventsKeep-1)

		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Warn("switch event mirror write failed", zap.Error(err))
		}
	}()
}

// PublishHealth mirrors one source's health snapshot.
func (r *SwitchRepository) PublishHealth(ctx context.Context, source int, rec health.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := r.client.Set(ctx, sourceHealthKey(source), payload, 0).Err(); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// RunHealthPublisher mirrors all sources' health once per interval until ctx
// is done. snapshot is typically Monitor.Snapshot.
func (r *SwitchRepository) RunHealthPublisher(ctx context.Context, n int, interval time.Duration, snapshot func(int) health.Record) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, publishBudget)
			for i := 0; i < n; i++ {
				if err := r.PublishHealth(pctx, i, snapshot(i)); err != nil {
					r.log.Warn("health mirror write failed", zap.Int("source", i), zap.Error(err))
					break // redis is down; don't hammer it n times
				}
			}
			cancel()
		}
	}
}
