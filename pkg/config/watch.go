package config

import (
	"context"
	"errors"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrNoConfigFile is returned by Watch when no file was configured.
var ErrNoConfigFile = errors.New("no config file to watch")

// Watch calls onChange with every valid configuration written to the file
// until ctx is done. Invalid edits are logged and ignored.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) error {
	if l.v.ConfigFileUsed() == "" {
		return ErrNoConfigFile
	}

	logger := log.With().Str("component", "config").Logger()
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			logger.Warn().Err(err).Str("file", e.Name).Msg("Ignoring invalid config change")
			return
		}
		logger.Info().Str("file", e.Name).Msg("Config file changed")
		onChange(cfg)
	})
	l.v.WatchConfig()

	<-ctx.Done()
	return nil
}
