package acquire

import (
	"context"
	"errors"
	"time"

	"kapub/internal/assert"
	"kapub/internal/chrono"
	"kapub/internal/portal"
	"kapub/internal/session"
	"kapub/internal/telemetry"

	"github.com/cenkalti/backoff/v4"
)

const (
	report_warmer_login = "warmer.login"
	report_warmer_clear = "warmer.clear"
)

// SessionStore is the part of the session store the warmer needs.
type SessionStore interface {
	Load(ctx context.Context) (session.Credential, bool)
	Clear(ctx context.Context) error
}

// Warmer keeps the stored credential usable ahead of the first request of a
// cycle, so that request does not pay for a login.
type Warmer struct {
	store   SessionStore
	portal  Portal
	account Account
	tel     telemetry.API

	// newBackOff builds the retry policy of a single warm-up login.
	newBackOff func() backoff.BackOff
}

func NewWarmer(store SessionStore, remote Portal, account Account, tel telemetry.API) *Warmer {
	assert.NotNil(store, "store")
	assert.NotNil(remote, "remote")
	assert.NotNil(tel, "tel")

	return &Warmer{
		store:   store,
		portal:  remote,
		account: account,
		tel:     telemetry.NewScopedAPI("acquire", tel),
		newBackOff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 5 * time.Second
			policy.MaxElapsedTime = 5 * time.Minute
			return policy
		},
	}
}

// Warm checks the stored credential against the overview page and logs in
// again if it no longer resolves the link. Transient login failures are
// retried with exponential backoff; a rejected login clears the stored
// credential and is not retried.
func (w *Warmer) Warm(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Warm")
	defer span.End()

	cred, found := w.store.Load(ctx)
	if found {
		_, err := w.portal.Locate(ctx, cred)
		if err == nil {
			w.tel.ReportDebug("stored credential is still valid")
			return nil
		}
		w.tel.ReportDebug("stored credential went stale", err)
	}

	attempt := func() error {
		_, err := w.portal.Login(ctx, w.account.Username, w.account.Password)
		if err == nil {
			return nil
		}
		var rejected *portal.RejectedStatusError
		if errors.As(err, &rejected) || errors.Is(err, portal.ErrNoSessionToken) {
			return backoff.Permanent(err)
		}
		w.tel.ReportDebug("warm-up login failed, retrying", err)
		return err
	}
	err := backoff.Retry(attempt, backoff.WithContext(w.newBackOff(), ctx))
	if err != nil {
		span.RecordError(err)
		w.tel.ReportWarning(report_warmer_login, err)

		var rejected *portal.RejectedStatusError
		if found && errors.As(err, &rejected) {
			clearErr := w.store.Clear(ctx)
			if clearErr != nil {
				w.tel.ReportWarning(report_warmer_clear, clearErr)
			}
		}
		return err
	}
	return nil
}

// Schedule runs Warm on every tick of spec until ctx is done.
func (w *Warmer) Schedule(ctx context.Context, cron chrono.CronAPI, spec string) error {
	return cron.Cron(spec, func() {
		if ctx.Err() != nil {
			return
		}
		_ = w.Warm(ctx)
	})
}
