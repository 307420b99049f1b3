package seeder

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/credential"
)

// Writer is a credential store that accepts new secrets.
type Writer interface {
	credential.Store
	Put(ctx context.Context, provider, secret string) error
}

// SeedCredentials copies keys into dst so later runs no longer need them in
// the environment. Providers that already hold the same secret are skipped.
// It returns how many secrets were written.
func SeedCredentials(ctx context.Context, dst Writer, keys map[string]string) (int, error) {
	names := make([]string, 0, len(keys))
	for name := range keys {
		names = append(names, name)
	}
	sort.Strings(names)

	var written int
	for _, name := range names {
		secret := keys[name]
		if secret == "" {
			continue
		}
		existing, err := dst.Get(ctx, name)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			return written, err
		}
		if existing == secret {
			log.Debug().Str("provider", name).Msg("seeder: credential already stored, skipping")
			continue
		}
		if err := dst.Put(ctx, name, secret); err != nil {
			return written, err
		}
		written++
		log.Info().Str("provider", name).Msg("seeder: credential stored")
	}
	return written, nil
}
