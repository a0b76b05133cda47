package serverlink

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/config"
)

// scenario 4 / P4: a query against a single endpoint returning NetworkError
// every time fails after exactly network_retries_count+1 total attempts,
// with the exhausted message prefixed "Query failed: ".
func TestQuery_RetryExhaustion(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	cfg := config.Default()
	cfg.Endpoints = []string{"http://a"}
	cfg.NetworkRetriesCount = 2

	sl, err := New(env, nil, cfg)
	require.NoError(t, err)

	// Each attempt invalidates the cached winner on a transport error, so the
	// next attempt re-elects before retrying; against a single candidate that
	// means 2 fetches per attempt (election probe, then the query itself).
	attempts := cfg.NetworkRetriesCount + 1
	for i := 0; i < attempts*2; i++ {
		env.Enqueue("http://a/graphql", clockenv.CannedResponse{Err: errTransport{}})
	}

	_, err = sl.Query(context.Background(), GraphQLBody{Query: "query{blocks{id}}"})
	require.Error(t, err)
	require.Equal(t, "Query failed: Can not send http request: Network error", err.Error())

	require.Len(t, env.Calls(), attempts*2, "expected election probe + query fetches per attempt")
}

type errTransport struct{}

func (errTransport) Error() string { return "connection refused" }

func healthyProbeResponse(nowMs uint64) clockenv.CannedResponse {
	return clockenv.CannedResponse{
		Status: 200,
		Body: []byte(`{"data":{"info":{"version":"1.0","time":0,"lastBlockTime":` +
			strconv.FormatInt(int64(nowMs)-100, 10) + `}}}`),
	}
}

// A logical error (well-formed GraphQL errors array) must propagate
// unchanged without consuming a retry attempt. The election probe that
// resolves the query endpoint succeeds; only the query itself fails logically.
func TestQuery_LogicalErrorNotRetried(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	cfg := config.Default()
	cfg.Endpoints = []string{"http://a"}
	cfg.NetworkRetriesCount = 5

	sl, err := New(env, nil, cfg)
	require.NoError(t, err)

	env.Enqueue("http://a/graphql", healthyProbeResponse(env.NowMs()))
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{
		Status: 200,
		Body:   []byte(`{"errors":[{"message":"bad query"}]}`),
	})

	_, err = sl.Query(context.Background(), GraphQLBody{Query: "query{blocks{id}}"})
	require.Error(t, err)
	require.Len(t, env.Calls(), 2, "expected election probe + the one logically-failed query, no retry")
}

// A transport error invalidates the cached winner so the next attempt
// re-elects rather than reusing a dead endpoint (spec.md §4.D "endpoint
// invalidation"), and a subsequent successful attempt still succeeds.
func TestQuery_TransportErrorInvalidatesWinner(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	cfg := config.Default()
	cfg.Endpoints = []string{"http://a"}
	cfg.NetworkRetriesCount = 1
	cfg.MaxLatency = 60_000 * time.Millisecond

	sl, err := New(env, nil, cfg)
	require.NoError(t, err)

	env.Enqueue("http://a/graphql", healthyProbeResponse(env.NowMs()))                                          // attempt 1 election
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{Err: errTransport{}})                                // attempt 1 query fails
	env.Enqueue("http://a/graphql", healthyProbeResponse(env.NowMs()))                                          // attempt 2 re-election
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{Status: 200, Body: []byte(`{"data":{"ok":true}}`)}) // attempt 2 query succeeds

	_, err = sl.Query(context.Background(), GraphQLBody{Query: "query{ok}"})
	require.NoError(t, err)
	require.Len(t, env.Calls(), 4, "expected 2 elections + 2 queries")
}
