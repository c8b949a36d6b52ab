package discovery

import (
	"fmt"

	"github.com/dgellow/oidc-rp/internal/log"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Key is a provider signing key.
type Key struct {
	ID string
	// Algorithm is the key's declared "alg", empty when the JWK omits it.
	Algorithm string
	// Public is *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
	Public any
}

// keySet indexes signing keys by kid. Keys without a kid are kept separately
// and only match tokens without a kid when they are the only key.
type keySet struct {
	byID map[string]Key
	all  []Key
}

func (s *keySet) lookup(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	if kid == "" {
		if len(s.all) == 1 {
			return s.all[0], true
		}
		return Key{}, false
	}
	k, ok := s.byID[kid]
	return k, ok
}

// parseKeySet converts a JWKS document into signing keys. Keys marked for
// encryption and keys that cannot be exported are skipped.
func parseKeySet(body []byte) (*keySet, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing JWKS: %w", err)
	}

	ks := &keySet{byID: make(map[string]Key, set.Len())}
	for i := 0; i < set.Len(); i++ {
		k, ok := set.Key(i)
		if !ok {
			continue
		}
		if use := k.KeyUsage(); use != "" && use != string(jwk.ForSignature) {
			continue
		}

		pub, err := jwk.PublicKeyOf(k)
		if err != nil {
			log.LogWarnWithFields("discovery", "Skipping unusable JWK", map[string]any{
				"kid":   k.KeyID(),
				"error": err.Error(),
			})
			continue
		}
		var raw any
		if err := pub.Raw(&raw); err != nil {
			log.LogWarnWithFields("discovery", "Skipping unusable JWK", map[string]any{
				"kid":   k.KeyID(),
				"error": err.Error(),
			})
			continue
		}

		key := Key{ID: k.KeyID(), Public: raw}
		if alg := k.Algorithm(); alg != nil {
			key.Algorithm = alg.String()
		}

		ks.all = append(ks.all, key)
		if key.ID != "" {
			ks.byID[key.ID] = key
		}
	}

	if len(ks.all) == 0 {
		return nil, fmt.Errorf("JWKS contains no signing keys")
	}
	return ks, nil
}
