package ingest

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/regsync/internal/config"
)

// ErrInvalidSetting is returned for a setting that would make the next
// configuration snapshot fail.
var ErrInvalidSetting = eris.New("ingest: invalid setting")

// Settings returns the runtime overrides.
func (s *Service) Settings(ctx context.Context) (map[string]string, error) {
	return s.store.Settings(ctx)
}

// SetSetting stores an override after checking that a snapshot taken with it
// still validates.
func (s *Service) SetSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "source.") {
		return eris.Wrapf(ErrInvalidSetting, "%q: only source.<key>.<attr> settings are recognized", key)
	}
	cur, err := s.store.Settings(ctx)
	if err != nil {
		return err
	}
	cur[key] = value
	snap, err := config.TakeSnapshot(s.cfg, cur, s.now())
	if err == nil {
		err = s.registry.Validate(snap)
	}
	if err != nil {
		return eris.Wrapf(ErrInvalidSetting, "%q: %v", key, err)
	}
	if err := s.store.SetSetting(ctx, key, value); err != nil {
		return err
	}
	zap.L().Info("ingest: setting changed", zap.String("key", key), zap.String("value", value))
	return nil
}

// DeleteSetting removes an override.
func (s *Service) DeleteSetting(ctx context.Context, key string) error {
	if err := s.store.DeleteSetting(ctx, key); err != nil {
		return err
	}
	zap.L().Info("ingest: setting removed", zap.String("key", key))
	return nil
}
