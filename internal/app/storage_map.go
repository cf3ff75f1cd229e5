package app

import (
	"strings"
	"time"

	"timertrigger/internal/config"
	"timertrigger/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := cfg.StorageDriver()
	if driver == config.StorageNone {
		return storage.Config{}, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), Retain: sc.Retain}
	if driver == config.StorageSQLite {
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, ConfigurationError(err)
		}
		out.BusyTimeout = busy
	}
	return out, true, nil
}
