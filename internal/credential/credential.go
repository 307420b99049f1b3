package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

var ErrNotFound = errors.New("credential not found")

// Store resolves the API credential for a provider id.
type Store interface {
	Get(ctx context.Context, providerName string) (string, error)
}

// Static serves credentials supplied through configuration.
type Static map[string]string

func (s Static) Get(_ context.Context, providerName string) (string, error) {
	if v := strings.TrimSpace(s[providerName]); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, providerName)
}

// ServiceName is the OS keyring service the relay's secrets live under.
const ServiceName = "llm-relay"

// Keyring reads credentials from the operating system keychain.
type Keyring struct {
	service string
}

func NewKeyring() *Keyring {
	return &Keyring{service: ServiceName}
}

func (k *Keyring) Get(_ context.Context, providerName string) (string, error) {
	v, err := keyring.Get(k.service, providerName)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, providerName)
	}
	if err != nil {
		return "", fmt.Errorf("get secret: %w", err)
	}
	return v, nil
}

func (k *Keyring) Put(_ context.Context, providerName, secret string) error {
	if err := keyring.Set(k.service, providerName, secret); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func (k *Keyring) Delete(_ context.Context, providerName string) error {
	err := keyring.Delete(k.service, providerName)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

// Chain asks each store in order and returns the first credential found.
type Chain []Store

func (c Chain) Get(ctx context.Context, providerName string) (string, error) {
	var errs []error
	for _, s := range c {
		v, err := s.Get(ctx, providerName)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, providerName)
}
