package tmux

import (
	"time"

	"github.com/g960059/cttmux/internal/config"
	"github.com/g960059/cttmux/internal/model"
)

// HealthState tracks the multiplexer host across enumeration attempts.
type HealthState struct {
	Current              model.HostHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
	LastError            string
}

func NextHealth(cfg config.Config, state HealthState, err error, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.HostHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if err == nil {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		state.LastError = ""
		if (state.Current == model.HostHealthDegraded || state.Current == model.HostHealthDown) && state.ConsecutiveSuccesses >= cfg.HostRecoverSuccesses {
			state.Current = model.HostHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.LastError = err.Error()
	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.HostHealthOK:
		state.Current = model.HostHealthDegraded
		state.LastTransitionAt = now
	case model.HostHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.HostDownWindow {
			// Window expired; this failure opens a new one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.HostDownFailures {
			state.Current = model.HostHealthDown
			state.LastTransitionAt = now
		}
	case model.HostHealthDown:
		// stays down until enough successes arrive
	}
	return state
}
