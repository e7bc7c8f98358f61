// Package keystore provisions the local user's key pair and resolves peer public keys.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"roulette-chat/internal/e2ee"
	"roulette-chat/internal/repositories"
	"roulette-chat/internal/telemetry"
)

var (
	// ErrKeyProvisioning is returned when no usable local key pair could be produced.
	ErrKeyProvisioning = errors.New("key provisioning failed")
	// ErrPeerKeyNotFound is returned when the peer has not published a usable public key.
	ErrPeerKeyNotFound = errors.New("peer public key not found")
)

func privateKeyName(owner string) string { return "e2ee_private_key:" + owner }
func publicKeyName(owner string) string  { return "e2ee_public_key:" + owner }

// KeyStore persists the local key pair and fetches peer public keys.
type KeyStore struct {
	local      LocalStorage
	remote     repositories.PublicKeyRepository
	audit      *telemetry.AuditEmitter
	retryDelay time.Duration

	mu    sync.Mutex
	cache map[string]e2ee.KeyPair
}

// New builds a KeyStore. audit may be nil.
func New(local LocalStorage, remote repositories.PublicKeyRepository, audit *telemetry.AuditEmitter, retryDelay time.Duration) *KeyStore {
	return &KeyStore{
		local:      local,
		remote:     remote,
		audit:      audit,
		retryDelay: retryDelay,
		cache:      make(map[string]e2ee.KeyPair),
	}
}

// LoadOrCreateLocalKeyPair returns the owner's key pair, generating and
// publishing a new one when local storage has none or holds a corrupt value.
func (s *KeyStore) LoadOrCreateLocalKeyPair(ctx context.Context, ownerID string) (e2ee.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kp, ok := s.cache[ownerID]; ok {
		return kp, nil
	}

	kp, err := s.loadLocal(ctx, ownerID)
	generated := false
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Printf("keystore local key unusable owner=%s, regenerating: %v", ownerID, err)
		}
		kp, err = e2ee.GenerateKeyPair()
		if err != nil {
			return e2ee.KeyPair{}, fmt.Errorf("%w: %v", ErrKeyProvisioning, err)
		}
		generated = true
		s.persistLocal(ctx, ownerID, kp)
	}

	if err := s.remote.UpsertPublicKey(ctx, ownerID, kp.Public.String()); err != nil {
		log.Printf("keystore publish public key failed owner=%s: %v", ownerID, err)
	}
	if generated {
		s.audit.KeyGenerated(ctx, ownerID, kp.Public)
	}

	s.cache[ownerID] = kp
	return kp, nil
}

func (s *KeyStore) loadLocal(ctx context.Context, ownerID string) (e2ee.KeyPair, error) {
	privText, err := s.local.Get(ctx, privateKeyName(ownerID))
	if err != nil {
		return e2ee.KeyPair{}, err
	}
	pubText, err := s.local.Get(ctx, publicKeyName(ownerID))
	if err != nil {
		return e2ee.KeyPair{}, err
	}
	priv, err := e2ee.ParsePrivateKey(privText)
	if err != nil {
		return e2ee.KeyPair{}, err
	}
	pub, err := e2ee.ParsePublicKey(pubText)
	if err != nil {
		return e2ee.KeyPair{}, err
	}
	derived, err := priv.Public()
	if err != nil {
		return e2ee.KeyPair{}, err
	}
	if derived != pub {
		return e2ee.KeyPair{}, fmt.Errorf("%w: stored halves do not match", e2ee.ErrInvalidKey)
	}
	return e2ee.KeyPair{Public: pub, Private: priv}, nil
}

// persistLocal failures are logged; the in-memory pair is still usable for this process.
func (s *KeyStore) persistLocal(ctx context.Context, ownerID string, kp e2ee.KeyPair) {
	if err := s.local.Put(ctx, privateKeyName(ownerID), kp.Private.String()); err != nil {
		log.Printf("keystore persist private key failed owner=%s: %v", ownerID, err)
		return
	}
	if err := s.local.Put(ctx, publicKeyName(ownerID), kp.Public.String()); err != nil {
		log.Printf("keystore persist public key failed owner=%s: %v", ownerID, err)
	}
}

// FetchPeerPublicKey reads the peer's published key. A failed lookup is
// retried once after the configured delay, since the peer may still be
// provisioning.
func (s *KeyStore) FetchPeerPublicKey(ctx context.Context, peerID string) (e2ee.PublicKey, error) {
	pub, err := s.fetchPeer(ctx, peerID)
	if err == nil {
		return pub, nil
	}

	timer := time.NewTimer(s.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return e2ee.PublicKey{}, fmt.Errorf("%w: %v", ErrPeerKeyNotFound, ctx.Err())
	case <-timer.C:
	}

	pub, err = s.fetchPeer(ctx, peerID)
	if err != nil {
		return e2ee.PublicKey{}, fmt.Errorf("%w: %v", ErrPeerKeyNotFound, err)
	}
	return pub, nil
}

func (s *KeyStore) fetchPeer(ctx context.Context, peerID string) (e2ee.PublicKey, error) {
	rec, err := s.remote.GetPublicKey(ctx, peerID)
	if err != nil {
		return e2ee.PublicKey{}, err
	}
	return e2ee.ParsePublicKey(rec.PublicKey)
}
