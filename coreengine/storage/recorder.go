package storage

import (
	"context"
	"fmt"

	"github.com/FranGenoa/HeadlineArt/commbus"
)

// Recorder keeps a RunStore in sync with bus events and answers history queries.
type Recorder struct {
	store  RunStore
	logger commbus.Logger
	unsubs []func()
}

// NewRecorder creates a recorder for store. logger may be nil.
func NewRecorder(store RunStore, logger commbus.Logger) *Recorder {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes to StageUpdated and PipelineCompleted and registers the
// GetRun and ListRunEvents query handlers.
func (r *Recorder) Attach(bus commbus.CommBus) error {
	r.unsubs = append(r.unsubs,
		bus.Subscribe("StageUpdated", r.onStageUpdated),
		bus.Subscribe("PipelineCompleted", r.onPipelineCompleted),
	)
	if err := bus.RegisterHandler("GetRun", r.handleGetRun); err != nil {
		return err
	}
	return bus.RegisterHandler("ListRunEvents", r.handleListRunEvents)
}

// Detach removes the event subscriptions.
func (r *Recorder) Detach() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

func (r *Recorder) onStageUpdated(ctx context.Context, msg commbus.Message) (any, error) {
	ev, ok := msg.(*commbus.StageUpdated)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	if err := r.store.AppendEvent(context.WithoutCancel(ctx), ev.Event); err != nil {
		r.logger.Warn("history_event_failed", "run_id", ev.Event.RunID, "seq", ev.Event.Seq, "error", err.Error())
		return nil, err
	}
	return nil, nil
}

func (r *Recorder) onPipelineCompleted(ctx context.Context, msg commbus.Message) (any, error) {
	done, ok := msg.(*commbus.PipelineCompleted)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	if err := r.store.CompleteRun(ctx, done.RunID, done.Status, done.Error, done.State); err != nil {
		r.logger.Warn("history_complete_failed", "run_id", done.RunID, "error", err.Error())
		return nil, err
	}
	r.logger.Debug("history_run_recorded", "run_id", done.RunID, "status", done.Status)
	return nil, nil
}

func (r *Recorder) handleGetRun(ctx context.Context, msg commbus.Message) (any, error) {
	q, ok := msg.(*commbus.GetRun)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	return r.store.GetRun(ctx, q.RunID)
}

func (r *Recorder) handleListRunEvents(ctx context.Context, msg commbus.Message) (any, error) {
	q, ok := msg.(*commbus.ListRunEvents)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", msg)
	}
	events, err := r.store.ListEvents(ctx, q.RunID)
	if err != nil || len(events) > 0 {
		return events, err
	}
	if _, err := r.store.GetRun(ctx, q.RunID); err != nil {
		return nil, err
	}
	return events, nil
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
