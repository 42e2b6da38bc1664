package certificate

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	SourceEnv   = "env_pfx"
	SourceVault = "vault"
)

// Resolver escolhe a fonte configurada e decodifica a credencial
type Resolver struct {
	mode   string
	env    *EnvSource
	vault  Source
	logger *logrus.Logger
}

// NewResolver cria o resolver; vault pode ser nil quando mode é env_pfx
func NewResolver(mode string, env *EnvSource, vault Source, logger *logrus.Logger) *Resolver {
	if mode == "" {
		mode = SourceEnv
	}
	return &Resolver{mode: mode, env: env, vault: vault, logger: logger}
}

// Resolve retorna uma credencial nova; o chamador deve chamar Destroy
func (r *Resolver) Resolve(ctx context.Context, taxpayerID string) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if r.mode == SourceVault && r.vault != nil {
		cred, err := r.decodeFrom(ctx, r.vault, SourceVault, taxpayerID)
		if err == nil {
			return cred, nil
		}
		if !r.env.Configured() {
			return nil, err
		}
		r.logger.WithFields(logrus.Fields{
			"user_id": taxpayerID,
			"error":   err.Error(),
		}).Warn("Vault credential unavailable, falling back to environment certificate")
	}

	return r.decodeFrom(ctx, r.env, SourceEnv, taxpayerID)
}

func (r *Resolver) decodeFrom(ctx context.Context, src Source, name, taxpayerID string) (*Credential, error) {
	bundle, err := src.ResolveBundle(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(bundle)

	passphrase, _, err := src.ResolvePassphrase(ctx, taxpayerID)
	if err != nil {
		return nil, err
	}

	cred, err := Decode(bundle, passphrase)
	if err != nil {
		return nil, err
	}
	cred.Source = name

	r.logger.WithFields(logrus.Fields{
		"user_id":   taxpayerID,
		"source":    name,
		"not_after": cred.Certificate.NotAfter.Format(time.RFC3339),
	}).Debug("Signing credential resolved")

	return cred, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
