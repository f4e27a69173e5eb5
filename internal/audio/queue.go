package audio

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Alomgir27/nexva-widget/internal/bus"
	"github.com/Alomgir27/nexva-widget/internal/metrics"
)

// Status is the playback status shown to the user.
type Status string

const (
	StatusSpeaking  Status = "speaking"
	StatusListening Status = "listening"
)

// Player plays one segment to completion. It must return promptly once ctx
// is cancelled.
type Player interface {
	Play(ctx context.Context, seg *Segment) error
}

// Queue plays segments one after another in arrival order.
type Queue struct {
	player   Player
	eventBus *bus.EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	pending []*Segment
	playing bool
	gen     uint64
	cancel  context.CancelFunc

	onStatus       func(Status)
	onSegmentStart func()
}

// NewQueue creates an idle queue backed by player.
func NewQueue(player Player, eventBus *bus.EventBus, logger zerolog.Logger) *Queue {
	return &Queue{
		player:   player,
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio-queue").Logger(),
	}
}

// SetStatusCallback sets the callback for status changes
func (q *Queue) SetStatusCallback(cb func(Status)) {
	q.mu.Lock()
	q.onStatus = cb
	q.mu.Unlock()
}

// SetSegmentStartCallback sets a callback invoked before each segment plays
func (q *Queue) SetSegmentStartCallback(cb func()) {
	q.mu.Lock()
	q.onSegmentStart = cb
	q.mu.Unlock()
}

// Enqueue appends seg and starts playback when idle.
func (q *Queue) Enqueue(seg *Segment) {
	q.mu.Lock()
	q.pending = append(q.pending, seg)
	start := !q.playing
	if start {
		q.playing = true
	}
	gen := q.gen
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug().Int("bytes", len(seg.Data)).Int("queue_len", depth).Msg("Audio queued for playback")
	if start {
		q.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStarted})
		go q.run(gen)
	}
}

// run drains the queue for one playback generation. StopAll bumps the
// generation, which makes a running loop exit without touching state.
func (q *Queue) run(gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.pending) == 0 {
			q.playing = false
			q.cancel = nil
			q.mu.Unlock()
			q.emit(StatusListening)
			q.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStopped})
			return
		}
		seg := q.pending[0]
		q.pending = q.pending[1:]
		ctx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		onStart := q.onSegmentStart
		q.mu.Unlock()

		if onStart != nil {
			onStart()
		}
		// onStart may have stopped playback
		if ctx.Err() == nil {
			q.emit(StatusSpeaking)
		}

		err := q.player.Play(ctx, seg)
		stopped := ctx.Err() != nil
		cancel()
		seg.Release()

		switch {
		case stopped:
			metrics.AudioSegments.WithLabelValues("discarded").Inc()
		case err != nil:
			metrics.AudioSegments.WithLabelValues("failed").Inc()
			q.logger.Warn().Err(err).Msg("Audio play failed")
		default:
			metrics.AudioSegments.WithLabelValues("played").Inc()
		}
	}
}

// StopAll halts the current segment, discards and releases everything
// queued, and reports listening.
func (q *Queue) StopAll() {
	q.mu.Lock()
	q.gen++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	dropped := q.pending
	q.pending = nil
	wasPlaying := q.playing
	q.playing = false
	q.mu.Unlock()

	for _, seg := range dropped {
		seg.Release()
		metrics.AudioSegments.WithLabelValues("discarded").Inc()
	}
	if len(dropped) > 0 {
		q.logger.Debug().Int("dropped", len(dropped)).Msg("Playback queue cleared")
	}
	if wasPlaying {
		q.eventBus.Publish(bus.Event{Type: bus.EventTypeSpeakingStopped})
	}
	q.emit(StatusListening)
}

// IsPlaying reports whether a segment is playing or queued.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Len returns the number of segments waiting behind the current one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) emit(s Status) {
	q.mu.Lock()
	cb := q.onStatus
	q.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}
