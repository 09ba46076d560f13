// Every App is pleased to support the open source community by making embedded-gateway-go available.
//
// Copyright (C) 2025 Every App. All rights reserved.
//
// embedded-gateway-go is licensed under the Apache License Version 2.0.

package embedded

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKeyPEM  []byte
)

// testSigningKeyPEM returns a PEM-encoded RSA private key shared across
// tests. Key generation is expensive enough to do once.
func testSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate test key: %v", err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("marshal test key: %v", err)
		}
		testKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	})
	require.NotEmpty(t, testKeyPEM)
	return testKeyPEM
}

// freshSigningKeyPEM returns a newly generated key, for rotation scenarios
// where the shared key must not match.
func freshSigningKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// capturingPoster records every payload posted through it.
type capturingPoster struct {
	mu    sync.Mutex
	posts []capturedPost
}

type capturedPost struct {
	data         []byte
	targetOrigin string
}

func (p *capturingPoster) PostMessage(data []byte, targetOrigin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.posts = append(p.posts, capturedPost{data: buf, targetOrigin: targetOrigin})
	return nil
}

func (p *capturingPoster) captured() []capturedPost {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]capturedPost, len(p.posts))
	copy(out, p.posts)
	return out
}
