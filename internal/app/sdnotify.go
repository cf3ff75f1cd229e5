package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "timertrigger/pkg/logx"
)

// Notifier reports service state to the init system. sent is false when no
// supervisor is listening.
type Notifier interface {
	Notify(state string) (sent bool, err error)
}

type systemdNotifier struct{}

func (systemdNotifier) Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

func (a *App) notify(state string) {
	if a.notifier == nil {
		return
	}
	sent, err := a.notifier.Notify(state)
	switch {
	case err != nil:
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		a.log.Debug("sd_notify sent", logx.String("state", state))
	}
}
