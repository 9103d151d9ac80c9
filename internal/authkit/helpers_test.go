package authkit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type manualClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start.UTC()}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(delta)
}

func newSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, privateKey, keyErr := ed25519.GenerateKey(rand.Reader)
	if keyErr != nil {
		t.Fatalf("failed to generate signing key: %v", keyErr)
	}
	privateDER, marshalErr := x509.MarshalPKCS8PrivateKey(privateKey)
	if marshalErr != nil {
		t.Fatalf("failed to marshal signing key: %v", marshalErr)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER})
}

func newTestConfig(t *testing.T) ServerConfig {
	t.Helper()
	return ServerConfig{
		Issuer:               "server",
		Audience:             "all",
		SigningPrivateKeyPEM: newSigningKeyPEM(t),
		AccessCookieName:     "AccessToken",
		RefreshCookieName:    "RefreshToken",
		AccessTTL:            15 * time.Minute,
		RefreshTTL:           30 * 24 * time.Hour,
		AccessRejectWindow:   10 * time.Second,
		RefreshRejectWindow:  20 * time.Second,
		CacheTTL:             600 * time.Second,
		SameSiteMode:         http.SameSiteStrictMode,
		AllowInsecureHTTP:    true,
	}
}

func newTestCodec(t *testing.T, configuration ServerConfig, clock Clock) *TokenCodec {
	t.Helper()
	codec, codecErr := NewTokenCodec(configuration, clock)
	if codecErr != nil {
		t.Fatalf("failed to build codec: %v", codecErr)
	}
	return codec
}

// newTestHasher trims argon2id costs to the validation floor so tests stay fast.
func newTestHasher(t *testing.T) *Argon2Hasher {
	t.Helper()
	hasher, hasherErr := NewArgon2Hasher(HasherConfig{
		MemoryKB:      8 * 1024,
		Time:          1,
		Parallelism:   1,
		SaltLength:    16,
		KeyLength:     16,
		MaxConcurrent: 4,
	}, zaptest.NewLogger(t))
	if hasherErr != nil {
		t.Fatalf("failed to build hasher: %v", hasherErr)
	}
	return hasher
}
