// Package credential owns the device secret and the currently issued token.
package credential

import (
	"sync"

	"github.com/dbarentine/environment-iot/internal/clock"
	"github.com/dbarentine/environment-iot/internal/sas"
	"github.com/dbarentine/environment-iot/log2"
	"github.com/juju/errors"
)

// State holds current token and its parsed expiry.
// Token is replaced only by a fully successful Refresh.
// Refresh calls are serialized, accessors are safe for concurrent use.
type State struct {
	id       Identity
	clientID string
	username string
	key      string // base64, decoded per generation only
	builder  sas.Builder
	clock    clock.Source
	log      *log2.Log

	refreshMu sync.Mutex
	mu        sync.RWMutex
	token     *sas.Token
	expiry    uint32
}

type Option func(*State)

// WithKeyName sets shared access policy name for hub-level keys.
func WithKeyName(name string) Option { return func(s *State) { s.builder.KeyName = name } }

func New(id Identity, keyBase64 string, src clock.Source, log *log2.Log, opts ...Option) *State {
	s := &State{
		id:       id,
		clientID: id.ClientID(),
		username: id.Username(),
		key:      keyBase64,
		clock:    src,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Infof("credential: broker=%s device=%s", id.Broker, id.DeviceID)
	log.Debugf("credential: client_id=%s username=%s", s.clientID, s.username)
	return s
}

// Refresh generates token valid for minutes from now.
// On any failure previous token and expiry stay untouched.
func (s *State) Refresh(minutes uint) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	now, err := s.clock.Now()
	if err != nil {
		err = errors.Annotate(err, "credential refresh: clock")
		s.log.Error(err)
		return err
	}
	expiry, err := sas.ExpiryAfter(now, minutes)
	if err != nil {
		err = errors.Annotate(err, "credential refresh: expiry")
		s.log.Error(err)
		return err
	}
	tok, err := s.builder.Generate(s.id.ResourceID(), s.key, expiry)
	if err != nil {
		err = errors.Annotatef(err, "credential refresh: generate stage=%s", stage(err))
		s.log.Error(err)
		return err
	}

	s.mu.Lock()
	s.token = tok
	s.expiry = tok.Expiry
	s.mu.Unlock()
	s.log.Debugf("credential: token refreshed se=%d lifetime_min=%d", tok.Expiry, minutes)
	return nil
}

// IsExpired reads clock; unavailable time counts as expired.
func (s *State) IsExpired() bool {
	now, err := s.clock.Now()
	if err != nil {
		s.log.Errorf("credential: failed getting current time err=%v", err)
		return true
	}
	return s.IsExpiredAt(now)
}

// IsExpiredAt is true when now >= expiry or no token was issued yet.
func (s *State) IsExpiredAt(now uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token == nil || now >= s.expiry
}

func (s *State) Issued() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil
}

// Token returns current token text, empty if none issued.
func (s *State) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token.String()
}

func (s *State) Expiry() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

func (s *State) ClientID() string   { return s.clientID }
func (s *State) Username() string   { return s.username }
func (s *State) Identity() Identity { return s.id }

func stage(err error) string {
	switch errors.Cause(err) {
	case sas.ErrBadKey:
		return "decode-key"
	case sas.ErrAssemblyInconsistent:
		return "assemble"
	default:
		return "sign"
	}
}
