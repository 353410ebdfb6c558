// Package credential turns long-term account credentials into short-lived
// provider tokens and caches them for the life of the process.
package credential

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/cache"
	"github.com/lkarlslund/copilotbridge/pkg/observability"
	"golang.org/x/sync/singleflight"
)

var DefaultAllowedPrefixes = []string{"ghu", "gho"}

type Options struct {
	// AllowedPrefixes lists the literal prefixes a long-term credential must
	// start with. Empty means DefaultAllowedPrefixes.
	AllowedPrefixes []string
	// ReuseKnownWhenMissing lets a request without a credential borrow one of
	// the credentials already seen by this process.
	ReuseKnownWhenMissing bool
	Now                   func() time.Time
	// Pick returns an index in [0,n). Defaults to a uniform random choice.
	Pick func(n int) int
}

// Broker owns the long-term credential -> short-lived token cache. Refreshes
// for the same credential are collapsed into one exchange call.
type Broker struct {
	exchanger  Exchanger
	entries    *cache.TTLMap[string, string]
	group      singleflight.Group
	prefixes   []string
	reuseKnown bool
	now        func() time.Time
	pick       func(n int) int
}

func NewBroker(exchanger Exchanger, opts Options) *Broker {
	prefixes := make([]string, 0, len(opts.AllowedPrefixes))
	for _, p := range opts.AllowedPrefixes {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	if len(prefixes) == 0 {
		prefixes = append(prefixes, DefaultAllowedPrefixes...)
	}
	b := &Broker{
		exchanger:  exchanger,
		entries:    cache.NewTTLMap[string, string](),
		prefixes:   prefixes,
		reuseKnown: opts.ReuseKnownWhenMissing,
		now:        opts.Now,
		pick:       opts.Pick,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.pick == nil {
		b.pick = rand.Intn
	}
	return b
}

// Validate checks the prefix rule without touching the network.
func (b *Broker) Validate(longTerm string) error {
	longTerm = strings.TrimSpace(longTerm)
	if longTerm == "" {
		return ErrMissingCredential
	}
	for _, p := range b.prefixes {
		if strings.HasPrefix(longTerm, p) {
			return nil
		}
	}
	return fmt.Errorf("%w: unrecognized prefix", ErrInvalidCredential)
}

// Obtain returns a short-lived token for longTerm, exchanging it only when no
// cached token exists or the cached one has expired.
func (b *Broker) Obtain(ctx context.Context, longTerm string) (string, error) {
	longTerm = strings.TrimSpace(longTerm)
	if longTerm == "" {
		reused, err := b.pickKnown()
		if err != nil {
			observability.CredentialLookups.WithLabelValues("rejected").Inc()
			return "", err
		}
		longTerm = reused
		observability.CredentialLookups.WithLabelValues("reused").Inc()
		log.Debug("no credential supplied, reusing a known one", "credential", Redact(longTerm))
	} else if err := b.Validate(longTerm); err != nil {
		observability.CredentialLookups.WithLabelValues("rejected").Inc()
		return "", err
	}

	if entry, ok := b.entries.Get(longTerm); ok && !IsExpired(entry.ExpiresAt.Unix(), b.now()) {
		observability.CredentialLookups.WithLabelValues("hit").Inc()
		return entry.Value, nil
	}

	if ctx == nil {
		ctx = context.Background()
	}
	// The shared exchange must not die with whichever caller started it.
	exchangeCtx := context.WithoutCancel(ctx)
	v, err, _ := b.group.Do(longTerm, func() (any, error) {
		return b.refresh(exchangeCtx, longTerm)
	})
	if err != nil {
		observability.CredentialLookups.WithLabelValues("failed").Inc()
		return "", err
	}
	observability.CredentialLookups.WithLabelValues("refresh").Inc()
	return v.(string), nil
}

// Known reports how many distinct credentials have been exchanged so far.
func (b *Broker) Known() int {
	return b.entries.Len()
}

func (b *Broker) pickKnown() (string, error) {
	if !b.reuseKnown {
		return "", ErrMissingCredential
	}
	keys := b.entries.Keys(func(a, c string) bool { return a < c })
	if len(keys) == 0 {
		return "", ErrMissingCredential
	}
	return keys[b.pick(len(keys))], nil
}

func (b *Broker) refresh(ctx context.Context, longTerm string) (string, error) {
	if b.exchanger == nil {
		return "", &ExchangeError{Err: errors.New("no exchanger configured")}
	}
	token, err := b.exchanger.Exchange(ctx, longTerm)
	if err != nil {
		observability.TokenExchanges.WithLabelValues("error").Inc()
		log.Warn("token exchange failed", "credential", Redact(longTerm), "error", err)
		if !errors.Is(err, ErrExchangeFailed) {
			err = &ExchangeError{Err: err}
		}
		return "", err
	}
	exp := ParseExpiry(token)
	b.entries.SetWithExpiry(longTerm, token, time.Unix(exp, 0))
	observability.TokenExchanges.WithLabelValues("ok").Inc()
	log.Info("issued short-lived token", "credential", Redact(longTerm), "expires", time.Unix(exp, 0).UTC().Format(time.RFC3339))
	return token, nil
}

// Redact keeps the first four characters of a secret for log correlation.
func Redact(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 8)
}
