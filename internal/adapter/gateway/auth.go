package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"wanctl/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted token and the client name it maps to. Hash is
// a bcrypt hash used instead of Token so the config need not hold secrets.
type TokenEntry struct {
	Token string
	Hash  string
	Name  string
}

type authEntry struct {
	token []byte
	hash  []byte
	info  *ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks. Tokens that
// matched a bcrypt hash are remembered by digest so reconnects skip bcrypt.
type StaticTokenAuth struct {
	entries []authEntry

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]*ClientInfo
}

// NewStaticTokenAuth builds an authenticator from a set of token entries.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{
		entries:  make([]authEntry, 0, len(entries)),
		verified: make(map[[sha256.Size]byte]*ClientInfo),
	}
	for _, e := range entries {
		ae := authEntry{info: &ClientInfo{Name: e.Name}}
		switch {
		case e.Hash != "":
			ae.hash = []byte(e.Hash)
		case e.Token != "":
			ae.token = []byte(e.Token)
		default:
			continue
		}
		a.entries = append(a.entries, ae)
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuth
	}
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if e.token != nil && subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			return e.info, nil
		}
	}

	digest := sha256.Sum256(tokenBytes)
	s.mu.RLock()
	info, ok := s.verified[digest]
	s.mu.RUnlock()
	if ok {
		return info, nil
	}
	for _, e := range s.entries {
		if e.hash == nil {
			continue
		}
		if bcrypt.CompareHashAndPassword(e.hash, tokenBytes) == nil {
			s.mu.Lock()
			s.verified[digest] = e.info
			s.mu.Unlock()
			return e.info, nil
		}
	}
	return nil, domain.ErrGatewayAuth
}

// HashToken returns the bcrypt hash stored in gateway.tokens[].token_hash.
func HashToken(token string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// OpenAuth admits every client. It is used when no tokens are configured
// and the gateway only listens on loopback.
type OpenAuth struct{}

func (OpenAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local"}, nil
}
