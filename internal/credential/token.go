package credential

// TokenStore reads and writes a named credential through the system
// keyring. It backs OAuth token persistence for mail providers.
type TokenStore struct {
	key string
}

// NewTokenStore creates a token store bound to a credential key.
func NewTokenStore(key string) *TokenStore {
	return &TokenStore{key: key}
}

func (s *TokenStore) Load() (string, error) {
	return Get(s.key)
}

func (s *TokenStore) Save(token string) error {
	return Set(s.key, token)
}
