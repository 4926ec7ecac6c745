package verification

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/types"
)

var (
	ErrUnknownNonce   = errors.New("unknown or expired nonce")
	ErrNonceUsed      = errors.New("nonce already used")
	ErrSignatureReuse = errors.New("transaction signature already used")
)

// Requirement is what one protected resource costs.
type Requirement struct {
	Amount    decimal.Decimal
	Currency  types.Currency
	Recipient string
	Resource  string
}

type issuedChallenge struct {
	requirement Requirement
	issuedAt    time.Time
	used        bool
}

// NonceStore remembers issued challenges so each nonce and each transaction
// signature is honoured once.
type NonceStore struct {
	mu         sync.Mutex
	ttl        time.Duration
	challenges map[string]*issuedChallenge
	signatures map[string]time.Time
	now        func() time.Time
}

func NewNonceStore(ttl time.Duration) *NonceStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &NonceStore{
		ttl:        ttl,
		challenges: make(map[string]*issuedChallenge),
		signatures: make(map[string]time.Time),
		now:        time.Now,
	}
}

// Issue records a new challenge for req and returns it.
func (s *NonceStore) Issue(req Requirement) *types.PaymentChallenge {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()

	now := s.now().UTC().Truncate(time.Second)
	nonce := uuid.NewString()
	s.challenges[nonce] = &issuedChallenge{requirement: req, issuedAt: now}

	return &types.PaymentChallenge{
		Amount:    req.Amount,
		Currency:  req.Currency,
		Recipient: req.Recipient,
		Resource:  req.Resource,
		Nonce:     nonce,
		IssuedAt:  now,
		Shape:     types.ShapeHeader,
	}
}

// Lookup returns the requirement a nonce was issued for.
func (s *NonceStore) Lookup(nonce string) (Requirement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[nonce]
	if !ok || s.expiredLocked(c) {
		return Requirement{}, ErrUnknownNonce
	}
	if c.used {
		return Requirement{}, ErrNonceUsed
	}
	return c.requirement, nil
}

// Consume marks nonce and signature as spent. It fails if either was spent before.
func (s *NonceStore) Consume(nonce, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[nonce]
	if !ok || s.expiredLocked(c) {
		return ErrUnknownNonce
	}
	if c.used {
		return ErrNonceUsed
	}
	if _, seen := s.signatures[signature]; seen {
		return ErrSignatureReuse
	}
	c.used = true
	s.signatures[signature] = s.now()
	return nil
}

func (s *NonceStore) expiredLocked(c *issuedChallenge) bool {
	return s.now().Sub(c.issuedAt) > s.ttl
}

func (s *NonceStore) evictLocked() {
	now := s.now()
	for nonce, c := range s.challenges {
		if now.Sub(c.issuedAt) > 2*s.ttl {
			delete(s.challenges, nonce)
		}
	}
	// signatures are kept for twice the challenge lifetime, past any nonce they could pay
	for sig, at := range s.signatures {
		if now.Sub(at) > 2*s.ttl {
			delete(s.signatures, sig)
		}
	}
}
