package keystate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"merchantd/crypto"
	"merchantd/exchange"
	"merchantd/observability"
)

// Snapshot is the validated key set of one exchange at one point in time.
// Snapshots are immutable once installed; readers hold them via Acquire and
// must Release when done. The longest holder determines the lifetime.
type Snapshot struct {
	ExchangeURL   string
	MasterPub     crypto.EddsaPublicKey
	Denominations map[string]*Denomination
	SigningKeys   []SigningKey
	KeysHash      crypto.Hash
	FetchedAt     time.Time

	refs     atomic.Int64
	released func()
}

// Acquire bumps the reference count.
func (s *Snapshot) Acquire() *Snapshot {
	s.refs.Add(1)
	return s
}

// Release drops one reference. The last release runs the retirement hook
// installed by the service when the snapshot was replaced.
func (s *Snapshot) Release() {
	if s.refs.Add(-1) == 0 {
		if s.released != nil {
			s.released()
		}
	}
}

// EarliestExpiry returns the soonest deposit-expiry over all denominations,
// which drives the reload timer. The zero time means no denominations.
func (s *Snapshot) EarliestExpiry() time.Time {
	var earliest time.Time
	for _, d := range s.Denominations {
		if earliest.IsZero() || d.ExpireDeposit.Before(earliest) {
			earliest = d.ExpireDeposit
		}
	}
	return earliest
}

// KeysSource fetches /keys; satisfied by *exchange.Client.
type KeysSource interface {
	BaseURL() string
	Keys(ctx context.Context) (*exchange.KeysResponse, error)
}

// DenominationRetirer keeps rotated-out denominations that deposits still
// reference; satisfied by *storage.Store.
type DenominationRetirer interface {
	RetireDenomination(ctx context.Context, exchangeURL, denomPub string, raw []byte) error
}

// ExchangeEntry binds one configured exchange to its client and master key.
type ExchangeEntry struct {
	Source    KeysSource
	MasterPub crypto.EddsaPublicKey
	Trusted   bool
}

// Service holds one current snapshot per known exchange.
type Service struct {
	mu             sync.RWMutex
	exchanges      map[string]ExchangeEntry
	snapshots      map[string]*Snapshot
	auditors       []Auditor
	requireAuditor bool
	cache          *Cache
	retirer        DenominationRetirer
	metrics        *observability.MerchantMetrics
	log            *slog.Logger
	nowFn          func() time.Time
}

// ServiceOption customises the service.
type ServiceOption func(*Service)

// WithCache installs the on-disk keys cache.
func WithCache(c *Cache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithRetirer installs the historic-denomination sink.
func WithRetirer(r DenominationRetirer) ServiceOption {
	return func(s *Service) { s.retirer = r }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.nowFn = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

// NewService builds the key-state service for the configured exchanges and
// auditors.
func NewService(exchanges map[string]ExchangeEntry, auditors []Auditor, requireAuditor bool, opts ...ServiceOption) *Service {
	s := &Service{
		exchanges:      exchanges,
		snapshots:      make(map[string]*Snapshot),
		auditors:       auditors,
		requireAuditor: requireAuditor,
		metrics:        observability.Merchant(),
		log:            slog.Default(),
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExchangeURLs lists the configured exchanges.
func (s *Service) ExchangeURLs() []string {
	urls := make([]string, 0, len(s.exchanges))
	for u := range s.exchanges {
		urls = append(urls, u)
	}
	return urls
}

// Trusted reports whether the exchange is configured as trusted.
func (s *Service) Trusted(exchangeURL string) bool {
	entry, ok := s.exchanges[exchangeURL]
	return ok && entry.Trusted
}

// Current returns the acquired current snapshot for the exchange, fetching it
// on first use. Callers must Release the snapshot.
func (s *Service) Current(ctx context.Context, exchangeURL string) (*Snapshot, error) {
	s.mu.RLock()
	snap, ok := s.snapshots[exchangeURL]
	if ok {
		snap.Acquire()
		s.mu.RUnlock()
		return snap, nil
	}
	s.mu.RUnlock()
	if _, known := s.exchanges[exchangeURL]; !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeURL)
	}
	if err := s.Refresh(ctx, exchangeURL); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok = s.snapshots[exchangeURL]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeURL)
	}
	return snap.Acquire(), nil
}

// Refresh fetches /keys for the exchange, validates the response and swaps in
// a new snapshot. Concurrent reads keep the previous snapshot until their own
// release.
func (s *Service) Refresh(ctx context.Context, exchangeURL string) error {
	entry, ok := s.exchanges[exchangeURL]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeURL)
	}
	keys, err := entry.Source.Keys(ctx)
	if err != nil {
		// An unreachable exchange falls back to the disk cache on cold start.
		if cached := s.cachedKeys(exchangeURL); cached != nil {
			s.log.Warn("exchange unreachable, using cached keys",
				"exchange", exchangeURL, "err", err)
			keys = cached
		} else {
			s.metrics.RecordKeyReload(exchangeURL, "fetch_failed")
			return fmt.Errorf("fetch keys from %s: %w", exchangeURL, err)
		}
	}
	snap, err := s.buildSnapshot(exchangeURL, entry.MasterPub, keys)
	if err != nil {
		s.metrics.RecordKeyReload(exchangeURL, "invalid")
		return err
	}
	if s.cache != nil {
		if err := s.cache.Put(exchangeURL, keys); err != nil {
			s.log.Warn("persist keys cache", "exchange", exchangeURL, "err", err)
		}
	}
	s.install(ctx, exchangeURL, snap)
	s.metrics.RecordKeyReload(exchangeURL, "ok")
	s.log.Info("key state refreshed", "exchange", exchangeURL,
		"denominations", len(snap.Denominations), "signing_keys", len(snap.SigningKeys))
	return nil
}

// RefreshAll refreshes every configured exchange, returning the first error.
func (s *Service) RefreshAll(ctx context.Context) error {
	var firstErr error
	for url := range s.exchanges {
		if err := s.Refresh(ctx, url); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) cachedKeys(exchangeURL string) *exchange.KeysResponse {
	if s.cache == nil {
		return nil
	}
	keys, err := s.cache.Get(exchangeURL)
	if err != nil {
		return nil
	}
	return keys
}

func (s *Service) install(ctx context.Context, exchangeURL string, snap *Snapshot) {
	s.mu.Lock()
	old := s.snapshots[exchangeURL]
	snap.Acquire() // the service's own reference
	s.snapshots[exchangeURL] = snap
	s.mu.Unlock()
	if old == nil {
		return
	}
	// Denominations that vanished from the new set but are referenced by
	// committed deposits move to the historic table once the last holder of
	// the old snapshot lets go.
	retired := make([]*Denomination, 0)
	for pub, d := range old.Denominations {
		if _, still := snap.Denominations[pub]; !still {
			retired = append(retired, d)
		}
	}
	retirer := s.retirer
	old.released = func() {
		if retirer == nil {
			return
		}
		for _, d := range retired {
			if err := retirer.RetireDenomination(context.WithoutCancel(ctx), exchangeURL, d.DenomPub, d.Raw()); err != nil {
				s.log.Warn("retire denomination", "denom", d.DenomPub, "err", err)
			}
		}
	}
	old.Release() // drop the service's reference to the replaced snapshot
}

func (s *Service) buildSnapshot(exchangeURL string, masterPub crypto.EddsaPublicKey, keys *exchange.KeysResponse) (*Snapshot, error) {
	snap := &Snapshot{
		ExchangeURL:   exchangeURL,
		MasterPub:     masterPub,
		Denominations: make(map[string]*Denomination, len(keys.Denoms)),
		FetchedAt:     s.nowFn().UTC(),
	}
	auditorSigs := s.auditorSignatures(keys)
	for _, dk := range keys.Denoms {
		d, err := parseDenomination(dk, masterPub)
		if err != nil {
			s.log.Warn("discarding denomination", "exchange", exchangeURL, "err", err)
			continue
		}
		d.AuditorNames = auditorSigs[dk.DenomPub]
		if s.requireAuditor && len(d.AuditorNames) == 0 {
			s.log.Warn("discarding unaudited denomination",
				"exchange", exchangeURL, "denom", dk.DenomPub)
			continue
		}
		snap.Denominations[dk.DenomPub] = d
	}
	for _, sk := range keys.SignKeys {
		pub, err := crypto.DecodePublicKey(sk.Key)
		if err != nil {
			s.log.Warn("discarding signing key", "exchange", exchangeURL, "err", err)
			continue
		}
		snap.SigningKeys = append(snap.SigningKeys, SigningKey{Key: pub, Start: sk.Start, Expire: sk.Expire})
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("hash keys: %w", err)
	}
	canon, err := crypto.CanonicalJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("hash keys: %w", err)
	}
	snap.KeysHash = crypto.HashBytes(canon)
	return snap, nil
}

// auditorSignatures maps denom pub to the accepted auditors whose signature
// over it verified.
func (s *Service) auditorSignatures(keys *exchange.KeysResponse) map[string][]string {
	out := make(map[string][]string)
	for _, ak := range keys.Auditors {
		accepted := s.acceptedAuditor(ak.AuditorPub)
		if accepted == nil {
			continue
		}
		for _, ds := range ak.DenomSigs {
			sig, err := crypto.DecodeSignature(ds.AuditorSig)
			if err != nil {
				continue
			}
			if !crypto.Verify(crypto.PurposeKeySet, []byte(ds.DenomPub), sig, accepted.PublicKey) {
				continue
			}
			out[ds.DenomPub] = append(out[ds.DenomPub], accepted.Name)
		}
	}
	return out
}

func (s *Service) acceptedAuditor(pub string) *Auditor {
	decoded, err := crypto.DecodePublicKey(pub)
	if err != nil {
		return nil
	}
	for i := range s.auditors {
		if s.auditors[i].PublicKey.Equal(decoded) {
			return &s.auditors[i]
		}
	}
	return nil
}

// FindDenomination returns the denomination only if it is valid for the given
// use right now. The caller must Release the returned snapshot.
func (s *Service) FindDenomination(ctx context.Context, exchangeURL, denomPub string, use Use) (*Denomination, *Snapshot, error) {
	snap, err := s.Current(ctx, exchangeURL)
	if err != nil {
		return nil, nil, err
	}
	d, ok := snap.Denominations[denomPub]
	if !ok || !d.ValidFor(use, s.nowFn()) {
		snap.Release()
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrUnknownDenomination, denomPub, use)
	}
	return d, snap, nil
}

// CurrentSigningKey returns the most recent signing key whose start is not in
// the future and whose expiry has not passed.
func (s *Service) CurrentSigningKey(ctx context.Context, exchangeURL string) (SigningKey, error) {
	snap, err := s.Current(ctx, exchangeURL)
	if err != nil {
		return SigningKey{}, err
	}
	defer snap.Release()
	now := s.nowFn()
	var best *SigningKey
	for i := range snap.SigningKeys {
		sk := &snap.SigningKeys[i]
		if sk.Start.After(now) || !sk.Expire.After(now) {
			continue
		}
		if best == nil || sk.Start.After(best.Start) {
			best = sk
		}
	}
	if best == nil {
		return SigningKey{}, fmt.Errorf("%w: %s", ErrNoSigningKey, exchangeURL)
	}
	return *best, nil
}

// NextExpiry returns the soonest denomination expiry across all installed
// snapshots; the reload coordinator arms its timer with it.
func (s *Service) NextExpiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	for _, snap := range s.snapshots {
		e := snap.EarliestExpiry()
		if e.IsZero() {
			continue
		}
		if next.IsZero() || e.Before(next) {
			next = e
		}
	}
	return next
}
