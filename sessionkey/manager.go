// Package sessionkey manages short-lived signing keys that let a client
// sign transactions without prompting the wallet owner.
//
// A session key carries an expiry and an advisory list of instruction names.
// Only expiry is enforced here; the authorizing on-chain program is the one
// that must enforce scope.
package sessionkey

import (
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	gjson "github.com/goccy/go-json"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/viral-sync/relayer/solanatx"
)

const (
	DefaultDuration = 24 * time.Hour
	StorageKey      = "vs-session-key"
)

var (
	ErrExpiredKey   = errors.New("session key expired, re-authenticate to create a new one")
	ErrNoSessionKey = errors.New("no active session key")
)

// DefaultAllowedInstructions is the scope attached to new keys.
var DefaultAllowedInstructions = []string{
	"claim_reward",
	"share_token",
	"redeem_token",
}

// Info is the public metadata of a session key.
type Info struct {
	PublicKey           solana.PublicKey
	CreatedAt           time.Time
	ExpiresAt           time.Time
	AllowedInstructions []string
	RegisteredOnChain   bool
}

// record is the persisted form. Times are unix milliseconds.
type record struct {
	SecretKey           string   `json:"secretKey"`
	CreatedAt           int64    `json:"createdAt"`
	ExpiresAt           int64    `json:"expiresAt"`
	AllowedInstructions []string `json:"allowedInstructions"`
	RegisteredOnChain   bool     `json:"registeredOnChain"`
}

type Option func(*Manager)

func WithDuration(d time.Duration) Option {
	return func(m *Manager) {
		m.duration = d
	}
}

func WithAllowedInstructions(instructions ...string) Option {
	return func(m *Manager) {
		m.allowed = append([]string(nil), instructions...)
	}
}

func WithStorage(storage Storage) Option {
	return func(m *Manager) {
		m.storage = storage
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns at most one session key at a time. It is safe for concurrent
// use, but a manager belongs to a single client session.
type Manager struct {
	mu       sync.Mutex
	key      solana.PrivateKey
	info     *Info
	duration time.Duration
	allowed  []string
	storage  Storage
	now      func() time.Time
	logger   *zap.Logger
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		duration: DefaultDuration,
		allowed:  append([]string(nil), DefaultAllowedInstructions...),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.storage == nil {
		m.storage = NewMemoryStorage()
	}
	return m
}

// GetOrCreate returns the active key, restoring it from storage or
// generating a new one when nothing unexpired is available.
func (m *Manager) GetOrCreate() (Info, solana.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureLocked(); err != nil {
		return Info{}, nil, err
	}
	return m.infoLocked(), m.key, nil
}

func (m *Manager) ensureLocked() error {
	now := m.now()
	if m.key != nil && now.Before(m.info.ExpiresAt) {
		return nil
	}
	m.clearLocked()

	if m.restoreLocked(now) {
		return nil
	}

	key, err := solanatx.NewKey()
	if err != nil {
		return err
	}
	m.key = key
	m.info = &Info{
		PublicKey:           key.PublicKey(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.duration),
		AllowedInstructions: append([]string(nil), m.allowed...),
	}
	if err := m.persistLocked(); err != nil {
		m.clearLocked()
		return err
	}
	m.logger.Info("created session key",
		zap.String("publicKey", key.PublicKey().String()),
		zap.Time("expiresAt", m.info.ExpiresAt))
	return nil
}

func (m *Manager) restoreLocked(now time.Time) bool {
	raw, ok := m.storage.Load(StorageKey)
	if !ok {
		return false
	}
	defer zero(raw)

	var rec record
	if err := gjson.Unmarshal(raw, &rec); err != nil {
		m.logger.Warn("discarding unreadable session key record", zap.Error(err))
		m.storage.Delete(StorageKey)
		return false
	}
	expiresAt := time.UnixMilli(rec.ExpiresAt)
	if !now.Before(expiresAt) {
		m.storage.Delete(StorageKey)
		return false
	}
	key, err := solanatx.KeyFromBase58(rec.SecretKey)
	if err != nil {
		m.logger.Warn("discarding session key record with invalid key", zap.Error(err))
		m.storage.Delete(StorageKey)
		return false
	}
	m.key = key
	m.info = &Info{
		PublicKey:           key.PublicKey(),
		CreatedAt:           time.UnixMilli(rec.CreatedAt),
		ExpiresAt:           expiresAt,
		AllowedInstructions: rec.AllowedInstructions,
		RegisteredOnChain:   rec.RegisteredOnChain,
	}
	m.logger.Debug("restored session key", zap.String("publicKey", key.PublicKey().String()))
	return true
}

func (m *Manager) persistLocked() error {
	rec := record{
		SecretKey:           m.key.String(),
		CreatedAt:           m.info.CreatedAt.UnixMilli(),
		ExpiresAt:           m.info.ExpiresAt.UnixMilli(),
		AllowedInstructions: m.info.AllowedInstructions,
		RegisteredOnChain:   m.info.RegisteredOnChain,
	}
	raw, err := gjson.Marshal(rec)
	if err != nil {
		return pkgerrors.Wrap(err, "encoding session key record")
	}
	defer zero(raw)
	if err := m.storage.Save(StorageKey, raw, m.info.ExpiresAt.Sub(m.now())); err != nil {
		return pkgerrors.Wrap(err, "saving session key record")
	}
	return nil
}

// Sign adds the session key's signature to tx. Expiry is checked first and
// ErrExpiredKey is returned without touching tx. When no key exists yet one
// is created.
func (m *Manager) Sign(tx *solana.Transaction) (*solana.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		if err := m.ensureLocked(); err != nil {
			return nil, err
		}
	}
	if !m.now().Before(m.info.ExpiresAt) {
		return nil, ErrExpiredKey
	}
	if err := solanatx.CoSign(tx, m.key); err != nil {
		return nil, err
	}
	return tx, nil
}

// MarkRegistered records that the key was accepted by the authorizing
// program. It does not itself talk to the network.
func (m *Manager) MarkRegistered() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil || !m.now().Before(m.info.ExpiresAt) {
		return ErrNoSessionKey
	}
	m.info.RegisteredOnChain = true
	return m.persistLocked()
}

// Destroy wipes the key from memory and storage. Call it on logout.
func (m *Manager) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
	m.storage.Delete(StorageKey)
}

func (m *Manager) clearLocked() {
	solanatx.Wipe(m.key)
	m.key = nil
	m.info = nil
}

// Info returns the active key's metadata, or false when there is none or it
// has expired.
func (m *Manager) Info() (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil || !m.now().Before(m.info.ExpiresAt) {
		return Info{}, false
	}
	return m.infoLocked(), true
}

func (m *Manager) infoLocked() Info {
	info := *m.info
	info.AllowedInstructions = append([]string(nil), m.info.AllowedInstructions...)
	return info
}

func (m *Manager) IsValid() bool {
	_, ok := m.Info()
	return ok
}

func (m *Manager) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return 0
	}
	return max(0, m.info.ExpiresAt.Sub(m.now()))
}

// Allows reports whether instruction is in the key's declared scope. The
// result is advisory.
func (m *Manager) Allows(instruction string) bool {
	info, ok := m.Info()
	if !ok {
		return false
	}
	for _, name := range info.AllowedInstructions {
		if name == instruction {
			return true
		}
	}
	return false
}
