// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package exchange

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxcp/mxcp-auth/pkg/auth"
	"github.com/mxcp/mxcp-auth/pkg/autherr"
	"github.com/mxcp/mxcp-auth/pkg/config"
	"github.com/mxcp/mxcp-auth/pkg/provider"
	"github.com/mxcp/mxcp-auth/pkg/store"
	"github.com/mxcp/mxcp-auth/pkg/store/memory"
)

// countingExchanger wraps a TokenExchanger and counts calls.
type countingExchanger struct {
	inner provider.TokenExchanger
	calls atomic.Int64
}

func (c *countingExchanger) ExchangeToken(
	ctx context.Context, subjectToken, audience, resource string,
) (*provider.ExternalGrantResult, error) {
	c.calls.Add(1)
	return c.inner.ExchangeToken(ctx, subjectToken, audience, resource)
}

func seedSession(t *testing.T, st store.TokenStore) *store.Session {
	t.Helper()
	session := &store.Session{
		ID:            "sess-broker",
		ClientID:      "cli",
		AccessTokenFP: store.Fingerprint("mxcp_at_broker"),
		IssuedAt:      time.Now().UTC(),
		ExpiresAt:     time.Now().Add(time.Hour).UTC(),
		User:          &auth.UserContext{UserID: "test-user", Provider: "test"},
		Grants: map[string]*store.ProviderGrant{
			"test": {
				Provider:    "test",
				AccessToken: provider.TestAccessToken,
				Subject:     "test-user",
				ExpiresAt:   time.Now().Add(time.Hour).UTC(),
			},
		},
	}
	require.NoError(t, st.PutSession(t.Context(), session))
	return session
}

func testRequirements() map[string]config.ScopeRequirement {
	return map[string]config.ScopeRequirement{
		"reports.read": {Provider: "test", Audience: "reports-svc", Resource: "https://reports.example.com"},
	}
}

func TestEnsureDownstreamTokenExchangesAndPersists(t *testing.T) {
	t.Parallel()
	st := memory.New()
	seedSession(t, st)

	counter := &countingExchanger{inner: provider.NewTestAdapter()}
	broker := NewBroker(st, testRequirements(), map[string]provider.TokenExchanger{"test": counter})

	token, err := broker.EnsureDownstreamToken(t.Context(), "sess-broker", "reports.read")
	require.NoError(t, err)
	assert.Equal(t, "test-exchanged-token-reports-svc", token.AccessToken)
	assert.Equal(t, "reports-svc", token.Audience)
	assert.Equal(t, int64(1), counter.calls.Load())

	// Exchanged token is persisted under the grant.
	session, err := st.GetSessionByID(t.Context(), "sess-broker")
	require.NoError(t, err)
	downstream := session.Grant("test").Downstream["reports-svc"]
	require.NotNil(t, downstream)
	assert.Equal(t, "test-exchanged-token-reports-svc", downstream.AccessToken)

	// Second call reuses the cached token, no new exchange.
	_, err = broker.EnsureDownstreamToken(t.Context(), "sess-broker", "reports.read")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.calls.Load())
}

func TestEnsureDownstreamTokenMinLifetimeForcesReExchange(t *testing.T) {
	t.Parallel()
	st := memory.New()
	session := seedSession(t, st)

	// Seed a downstream token that expires inside the lifetime guard.
	session.Grant("test").Downstream = map[string]*store.DownstreamToken{
		"reports-svc": {
			Audience:    "reports-svc",
			AccessToken: "nearly-dead",
			ExpiresAt:   time.Now().Add(5 * time.Second).UTC(),
		},
	}
	require.NoError(t, st.PutSession(t.Context(), session))

	counter := &countingExchanger{inner: provider.NewTestAdapter()}
	broker := NewBroker(st, testRequirements(),
		map[string]provider.TokenExchanger{"test": counter},
		WithMinLifetime(30*time.Second))

	token, err := broker.EnsureDownstreamToken(t.Context(), "sess-broker", "reports.read")
	require.NoError(t, err)
	assert.NotEqual(t, "nearly-dead", token.AccessToken)
	assert.Equal(t, int64(1), counter.calls.Load())
}

func TestEnsureDownstreamTokenDedupesConcurrentRequests(t *testing.T) {
	t.Parallel()
	st := memory.New()
	seedSession(t, st)

	counter := &countingExchanger{inner: provider.NewTestAdapter()}
	broker := NewBroker(st, testRequirements(), map[string]provider.TokenExchanger{"test": counter})

	const racers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = broker.EnsureDownstreamToken(context.Background(), "sess-broker", "reports.read")
		}()
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), counter.calls.Load())
}

func TestEnsureDownstreamTokenMissingGrant(t *testing.T) {
	t.Parallel()
	st := memory.New()
	session := seedSession(t, st)
	session.Grants = nil
	require.NoError(t, st.PutSession(t.Context(), session))

	broker := NewBroker(st, testRequirements(),
		map[string]provider.TokenExchanger{"test": provider.NewTestAdapter()})

	_, err := broker.EnsureDownstreamToken(t.Context(), "sess-broker", "reports.read")
	assert.True(t, autherr.Is(err, autherr.KindDownstreamUnavailable))
}

func TestEnsureDownstreamTokenNoExchangerConfigured(t *testing.T) {
	t.Parallel()
	st := memory.New()
	seedSession(t, st)

	broker := NewBroker(st, testRequirements(), nil)

	_, err := broker.EnsureDownstreamToken(t.Context(), "sess-broker", "reports.read")
	assert.True(t, autherr.Is(err, autherr.KindDownstreamUnavailable))
}

func TestEnsureDownstreamTokenUnknownScope(t *testing.T) {
	t.Parallel()
	broker := NewBroker(memory.New(), nil, nil)

	_, err := broker.EnsureDownstreamToken(t.Context(), "sess-broker", "nope")
	assert.True(t, autherr.Is(err, autherr.KindInternal))
}
