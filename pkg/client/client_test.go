package client

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/config"
)

func newTestClient(t *testing.T, env *clockenv.Mock, urls []string) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoints = urls
	c, err := New(cfg, env, nil)
	require.NoError(t, err)
	return c
}

func enqueueHealthyProbe(env *clockenv.Mock, url string) {
	env.Enqueue(url+"/graphql", clockenv.CannedResponse{
		Status: 200,
		Body: []byte(`{"data":{"info":{"version":"1.0","time":0,"lastBlockTime":` +
			strconv.FormatInt(int64(env.NowMs())-100, 10) + `}}}`),
	})
}

func TestQueryCollection_UnwrapsNamedCollection(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	c := newTestClient(t, env, []string{"http://a"})

	enqueueHealthyProbe(env, "http://a")
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{
		Status: 200,
		Body:   []byte(`{"data":{"blocks":[{"id":"1"},{"id":"2"}]}}`),
	})

	data, err := c.QueryCollection(context.Background(), ParamsOfQueryCollection{
		Collection: "blocks", Result: "id", Limit: 2,
	})
	require.NoError(t, err)

	rows, err := collectionRows(data, "blocks")
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

// WaitForCollection must unwrap the named collection from the data envelope
// rather than expecting a bare array, and must return as soon as a
// matching row appears instead of waiting out the full timeout.
func TestWaitForCollection_ReturnsOnFirstMatch(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	cfg := config.Default()
	cfg.Endpoints = []string{"http://a"}
	cfg.WaitForTimeout = 5 * time.Second
	c, err := New(cfg, env, nil)
	require.NoError(t, err)

	enqueueHealthyProbe(env, "http://a")
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{
		Status: 200,
		Body:   []byte(`{"data":{"transactions":[{"id":"tx1"}]}}`),
	})

	data, err := c.WaitForCollection(context.Background(), ParamsOfWaitForCollection{
		Collection: "transactions", Result: "id",
	})
	require.NoError(t, err)
	rows, err := collectionRows(data, "transactions")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

// With no canned response left to satisfy a match, polling eventually
// surfaces an error instead of looping forever (either the deadline
// elapses or the mock's canned response queue runs dry).
func TestWaitForCollection_ErrorsWhenNoMatchEverArrives(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	cfg := config.Default()
	cfg.Endpoints = []string{"http://a"}
	cfg.NetworkRetriesCount = 0
	cfg.WaitForTimeout = 50 * time.Millisecond
	c, err := New(cfg, env, nil)
	require.NoError(t, err)

	enqueueHealthyProbe(env, "http://a")
	for i := 0; i < 5; i++ {
		env.Enqueue("http://a/graphql", clockenv.CannedResponse{
			Status: 200,
			Body:   []byte(`{"data":{"transactions":[]}}`),
		})
	}

	_, err = c.WaitForCollection(context.Background(), ParamsOfWaitForCollection{
		Collection: "transactions", Result: "id",
	})
	require.Error(t, err)
}

// BatchQuery must merge every leg into one aliased query and issue exactly
// one round trip, not one POST per operation.
func TestBatchQuery_MergesLegsIntoOneRoundTrip(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	c := newTestClient(t, env, []string{"http://a"})

	enqueueHealthyProbe(env, "http://a")
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{
		Status: 200,
		Body:   []byte(`{"data":{"op0":[{"id":"1"}],"op1":5}}`),
	})

	results, err := c.BatchQuery(context.Background(), []QueryOperation{
		{QueryCollection: &ParamsOfQueryCollection{Collection: "blocks", Result: "id"}},
		{AggregateCollection: &ParamsOfAggregateCollection{Collection: "transactions", Fields: []string{"COUNT"}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Contains(t, string(results[0]), `"id":"1"`)
	require.Equal(t, "5", string(results[1]))

	require.Len(t, env.Calls(), 2, "expected one election probe + exactly one merged query POST")
}

// A WaitForCollection leg inside a batch contributes its immediate snapshot
// rather than polling: a batch is one round trip (SPEC_FULL §5), grounded on
// original_source's batch_query test which batches a wait_for_collection leg
// without introducing extra round trips.
func TestBatchQuery_WaitForCollectionLegDoesNotPoll(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	c := newTestClient(t, env, []string{"http://a"})

	enqueueHealthyProbe(env, "http://a")
	env.Enqueue("http://a/graphql", clockenv.CannedResponse{
		Status: 200,
		Body:   []byte(`{"data":{"op0":[]}}`),
	})

	results, err := c.BatchQuery(context.Background(), []QueryOperation{
		{WaitForCollection: &ParamsOfWaitForCollection{Collection: "transactions", Result: "id"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "[]", string(results[0]))
	require.Len(t, env.Calls(), 2, "expected no polling: one election probe + one merged query POST")
}

func TestAggregateCollection_BuildsAggregateFieldName(t *testing.T) {
	q := buildAggregateQuery("transactions", nil, []string{"COUNT"})
	require.Contains(t, q, "aggregateTransactions")
}

// fields must actually reach the generated query: a bare function name
// aggregates the whole row (field ""), and "path:FN" aggregates one field.
func TestAggregateCollection_EncodesFieldsArgument(t *testing.T) {
	count := buildAggregateQuery("transactions", nil, []string{"COUNT"})
	require.Contains(t, count, `"fn":"COUNT"`)
	require.Contains(t, count, `"field":""`)

	sum := buildAggregateQuery("accounts", nil, []string{"balance:SUM"})
	require.Contains(t, sum, `"fn":"SUM"`)
	require.Contains(t, sum, `"field":"balance"`)

	require.NotEqual(t, count, buildAggregateQuery("transactions", nil, []string{"MIN"}),
		"different fields must produce different queries")
}

func TestGetQueryEndpoint_ReturnsElectedWinner(t *testing.T) {
	env := clockenv.NewMock(1_000_000)
	c := newTestClient(t, env, []string{"http://a"})
	enqueueHealthyProbe(env, "http://a")

	ep, err := c.GetQueryEndpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, "http://a", ep.URL)
}
