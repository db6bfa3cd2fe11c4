package account

import (
	"context"
	"fmt"

	"convoai/internal/crypto"
)

type RotationReport struct {
	Total     int
	Rotated   int
	Unchanged int
	Failed    int
}

// RotateKeys re-seals every stored API key with the keyring's current master
// key. Keys that cannot be opened are counted and left in place.
func (s *Service) RotateKeys(ctx context.Context, dryRun bool) (RotationReport, error) {
	settings, err := s.cfg.Store.ListSealedKeys(ctx)
	if err != nil {
		return RotationReport{}, err
	}
	var rep RotationReport
	for _, st := range settings {
		if !st.HasKey() {
			continue
		}
		rep.Total++
		resealed, changed, err := s.cfg.Keyring.Rotate(*st.EncAPIKey, crypto.APIKeyBinding(st.UserID, st.Provider))
		if err != nil {
			rep.Failed++
			s.cfg.Logger.Error().Err(err).Int64("user_id", st.UserID).Str("provider", st.Provider).Msg("re-seal api key")
			continue
		}
		if !changed {
			rep.Unchanged++
			continue
		}
		if !dryRun {
			if err := s.cfg.Store.SetProviderKey(ctx, st.UserID, st.Provider, &resealed); err != nil {
				return rep, fmt.Errorf("store re-sealed key for user %d: %w", st.UserID, err)
			}
		}
		rep.Rotated++
	}
	return rep, nil
}
