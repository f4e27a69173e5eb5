package session

import (
	"context"
	"fmt"
	"time"

	"github.com/Alomgir27/nexva-widget/internal/audio"
	"github.com/Alomgir27/nexva-widget/internal/bus"
)

// manualRestartDelay is how long capture stays off after a manual
// interrupt.
const manualRestartDelay = 100 * time.Millisecond

// StartVoice enters voice chat: it opens the voice socket and starts
// continuous capture. Each utterance is sent as a text query and the spoken
// response is queued for playback.
func (w *Widget) StartVoice(ctx context.Context) error {
	w.mu.Lock()
	switch {
	case w.destroyed:
		w.mu.Unlock()
		return ErrDestroyed
	case !w.config.Widget.EnableVoice:
		w.mu.Unlock()
		return ErrVoiceDisabled
	case w.voiceActive:
		w.mu.Unlock()
		return nil
	}
	w.voiceActive = true
	w.voiceGen++
	w.mu.Unlock()

	w.view.SetVoiceStatus(VoiceIdle)

	if err := w.voiceWS.Connect(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Voice chat connection failed")
		w.system(MsgVoiceConnection)
		w.StopVoice()
		return fmt.Errorf("connect voice chat: %w", err)
	}

	w.capture.SetInterruptCallback(w.bargeIn)
	if !w.capture.Start(ctx, w.onTranscript, true) {
		w.StopVoice()
		return ErrVoiceUnavailable
	}
	w.logger.Info().Msg("Voice chat started")
	return nil
}

// StopVoice leaves voice chat. Safe to call when voice is off.
func (w *Widget) StopVoice() {
	w.mu.Lock()
	if !w.voiceActive {
		w.mu.Unlock()
		return
	}
	w.voiceActive = false
	w.voiceGen++
	w.mu.Unlock()

	w.capture.SetInterruptCallback(nil)
	w.voiceWS.Stop()
	w.queue.StopAll()
	w.capture.Stop()
	w.view.SetVoiceStatus(VoiceOff)
	w.logger.Info().Msg("Voice chat stopped")
}

// ToggleVoice starts or stops voice chat.
func (w *Widget) ToggleVoice(ctx context.Context) error {
	if w.VoiceActive() {
		w.StopVoice()
		return nil
	}
	return w.StartVoice(ctx)
}

// Interrupt cuts off the assistant and listens again right away.
func (w *Widget) Interrupt() {
	w.logger.Info().Msg("Manual interruption")
	w.queue.StopAll()
	if !w.VoiceActive() {
		return
	}
	w.voiceWS.Interrupt()
	w.hideTyping()
	w.capture.Stop()
	w.later(manualRestartDelay, w.relisten)
}

// onTranscript sends one finished utterance.
func (w *Widget) onTranscript(text string) {
	if !w.VoiceActive() || !w.voiceWS.IsOpen() {
		return
	}
	w.queue.StopAll()
	w.showTyping()
	if !w.voiceWS.SendQuery(text) {
		w.system(MsgConnectionLost)
		w.hideTyping()
		return
	}
	w.later(w.cfg().Voice.RestartDelay, w.relisten)
}

// bargeIn runs when the user talks over the assistant.
func (w *Widget) bargeIn() {
	if w.voiceWS.IsOpen() {
		w.voiceWS.Interrupt()
	}
	w.queue.StopAll()
	w.hideTyping()
}

// later runs f after d unless voice chat was left or restarted meanwhile.
func (w *Widget) later(d time.Duration, f func()) {
	w.mu.Lock()
	gen := w.voiceGen
	w.mu.Unlock()

	w.afterFunc(d, func() {
		w.mu.Lock()
		current := w.voiceActive && gen == w.voiceGen
		w.mu.Unlock()
		if current {
			f()
		}
	})
}

func (w *Widget) relisten() {
	st := w.capture.State()
	if st.Recording || st.Paused {
		return
	}
	w.capture.Start(context.Background(), w.onTranscript, true)
}

func (w *Widget) onListening(listening bool) {
	if !w.VoiceActive() {
		return
	}
	if listening {
		w.view.SetVoiceStatus(VoiceListening)
	} else if !w.queue.IsPlaying() {
		w.view.SetVoiceStatus(VoiceIdle)
	}
}

func (w *Widget) onSegmentStart() {
	w.capture.ResetInterrupt()
	w.capture.SetAssistantSpeaking(true)
	if w.cfg().Voice.PauseDuringPlayback {
		w.capture.Pause()
	}
}

func (w *Widget) onPlayback(status audio.Status) {
	if status == audio.StatusSpeaking {
		if w.VoiceActive() {
			w.view.SetVoiceStatus(VoiceSpeaking)
		}
		return
	}
	w.capture.SetAssistantSpeaking(false)
	w.capture.Resume()
	if w.VoiceActive() {
		if w.capture.State().Recording {
			w.view.SetVoiceStatus(VoiceListening)
		} else {
			w.view.SetVoiceStatus(VoiceIdle)
		}
	}
}

// voiceEvents adapts the voice socket to the widget.
type voiceEvents struct{ w *Widget }

func (e voiceEvents) OnResponseStart() {
	e.w.onSegmentStart()
}

func (e voiceEvents) OnTextChunk(text string) {
	w := e.w
	w.hideTyping()
	w.conv.AppendDelta(text)
	w.capture.AddAssistantText(text)
}

func (e voiceEvents) OnAudioChunk(encoded string) {
	w := e.w
	seg, err := audio.DecodeSegment(encoded)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Dropping audio chunk")
		return
	}
	if !w.VoiceActive() {
		seg.Release()
		return
	}
	w.queue.Enqueue(seg)
}

func (e voiceEvents) OnResponseEnd() {
	w := e.w
	w.conv.Finalize()
	w.hideTyping()
	if !w.VoiceActive() {
		return
	}
	w.eventBus.Publish(bus.Event{Type: bus.EventTypeResponseComplete, Data: map[string]any{"channel": "voice"}})
	if w.queue.IsPlaying() {
		// the drained queue resumes capture
		return
	}
	w.capture.SetAssistantSpeaking(false)
	w.capture.Resume()
	w.later(w.cfg().Voice.ContinueDelay, w.relisten)
}

func (e voiceEvents) OnVoiceError(message string) {
	w := e.w
	w.system("❌ " + message)
	w.hideTyping()
	w.capture.SetAssistantSpeaking(false)
	w.capture.Resume()
}

func (e voiceEvents) OnVoiceDisconnect(err error) {
	w := e.w
	if !w.VoiceActive() {
		return
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("Voice chat connection lost")
		w.system(MsgVoiceConnection)
	}
	w.StopVoice()
}
