package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/FranGenoa/HeadlineArt/commbus"
	"github.com/FranGenoa/HeadlineArt/coreengine/agents"
	"github.com/FranGenoa/HeadlineArt/coreengine/envelope"
	"github.com/FranGenoa/HeadlineArt/coreengine/observability"
	"github.com/google/uuid"
)

// emitter numbers a run's stage events and delivers them to the per-run
// sink and the process bus. Sends hold the lock, so delivery order is
// emission order.
type emitter struct {
	run    *envelope.Run
	sink   chan<- envelope.StageEvent
	bus    commbus.CommBus
	logger agents.Logger

	mu  sync.Mutex
	seq int
}

func newEmitter(run *envelope.Run, sink chan<- envelope.StageEvent, bus commbus.CommBus, logger agents.Logger) *emitter {
	return &emitter{run: run, sink: sink, bus: bus, logger: logger}
}

// EmitStageUpdate implements agents.EventContext.
func (e *emitter) EmitStageUpdate(ctx context.Context, stage string, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	event := envelope.StageEvent{
		ID:        "evt_" + uuid.New().String(),
		RunID:     e.run.RunID,
		Seq:       e.seq,
		Stage:     stage,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	if e.sink != nil {
		select {
		case e.sink <- event:
		case <-ctx.Done():
			observability.RecordStageEvent(stage, false)
			return fmt.Errorf("deliver event %d: %w", event.Seq, ctx.Err())
		}
	}

	if e.bus != nil {
		if err := e.bus.Publish(ctx, &commbus.StageUpdated{Event: event}); err != nil {
			observability.RecordStageEvent(stage, false)
			return fmt.Errorf("publish event %d: %w", event.Seq, err)
		}
	}

	observability.RecordStageEvent(stage, true)
	return nil
}

// Count returns the number of events emitted so far.
func (e *emitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}
