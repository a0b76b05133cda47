package serverlink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/endpoint"
	"github.com/PayRpc/ledger-client-go/internal/metrics"
	"github.com/PayRpc/ledger-client-go/internal/nwerrors"
)

// GraphQLBody is the opaque request payload spec.md §1 treats as
// uninterpreted: a query string plus variables.
type GraphQLBody struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// envelope is the wire response shape from spec.md §6.
type envelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []interface{}   `json:"errors"`
}

// Query performs the retry state machine in spec.md §4.D: resolve the
// elected endpoint, POST, classify the response as transport error,
// logical error, or success, and retry transport/invalid-data failures up
// to config.NetworkRetriesCount additional times.
func (sl *ServerLink) Query(ctx context.Context, body GraphQLBody) (json.RawMessage, error) {
	if err := sl.awaitResumeIfSuspended(ctx); err != nil {
		return nil, err
	}

	attemptsLeft := sl.cfg.NetworkRetriesCount + 1
	var lastErr error

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for attemptsLeft > 0 {
		ep, err := sl.el.GetQueryEndpoint(ctx)
		if err != nil {
			return nil, err
		}

		data, qerr := sl.sendQuery(ctx, ep, body)
		if qerr == nil {
			metrics.QueryAttemptsTotal.WithLabelValues(ep.URL, "ok").Inc()
			return data, nil
		}

		lastErr = qerr
		if nerr, ok := qerr.(*nwerrors.Error); ok && nerr.Code == nwerrors.CodeQueryFailed {
			metrics.QueryAttemptsTotal.WithLabelValues(ep.URL, "logical_error").Inc()
			// Logical errors propagate unchanged, never retried.
			return nil, qerr
		}

		metrics.QueryAttemptsTotal.WithLabelValues(ep.URL, "transport_error").Inc()
		// Any transport error invalidates the cached winner so the next
		// attempt re-elects (spec.md §4.D "Endpoint invalidation").
		sl.el.Invalidate()

		attemptsLeft--
		if attemptsLeft == 0 {
			break
		}

		if err := sl.env.Sleep(ctx, bo.NextBackOff()); err != nil {
			return nil, err
		}
		if err := sl.awaitResumeIfSuspended(ctx); err != nil {
			return nil, err
		}
	}

	metrics.QueryRetriesExhausted.Inc()
	message := lastErr.Error()
	if nerr, ok := lastErr.(*nwerrors.Error); ok {
		message = nerr.Message
	}
	return nil, nwerrors.Exhausted(nwerrors.QueryFailedPrefix(message), lastErr)
}

// QueryAt queries a caller-pinned endpoint directly, bypassing election.
// Used by the message sender's find-last-shard-block step, which must use
// the same endpoint for the lookup and the subsequent POST (spec.md
// §5(d)) rather than whatever the elector currently favors.
func (sl *ServerLink) QueryAt(ctx context.Context, ep *endpoint.Endpoint, body GraphQLBody) (json.RawMessage, error) {
	return sl.sendQuery(ctx, ep, body)
}

// sendQuery performs one POST attempt, merging a piggy-backed latency
// check (q2) when the cached winner is due for a recheck (spec.md §4.C.4).
func (sl *ServerLink) sendQuery(ctx context.Context, ep *endpoint.Endpoint, body GraphQLBody) (json.RawMessage, error) {
	mergedQuery := body.Query
	piggyback := sl.el.DueForLatencyCheck()
	if piggyback {
		mergedQuery = mergeLatencyCheck(body.Query)
	}

	payload, err := json.Marshal(GraphQLBody{Query: mergedQuery, Variables: body.Variables})
	if err != nil {
		return nil, nwerrors.InvalidData("failed to encode query body", err)
	}

	resp, err := sl.env.Fetch(ctx, clockenv.FetchRequest{
		URL:       ep.GraphQLURL(),
		Method:    "POST",
		Headers:   map[string]string{"Content-Type": "application/json"},
		Body:      payload,
		TimeoutMs: sl.cfg.QueryTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, nwerrors.NetworkError("Can not send http request: Network error", err).WithEndpoint(ep.URL)
	}
	if resp.Status >= 500 {
		return nil, nwerrors.NetworkError(fmt.Sprintf("http status %d", resp.Status), nil).WithEndpoint(ep.URL)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, nwerrors.InvalidData("malformed json envelope", err).WithEndpoint(ep.URL)
	}
	if len(env.Errors) > 0 {
		return nil, nwerrors.QueryFailed(map[string]interface{}{"errors": env.Errors})
	}

	if piggyback {
		if lastBlockTime, ok := extractQ2LastBlockTime(resp.Body); ok {
			delta := int64(sl.env.NowMs()) - lastBlockTime
			sl.el.MaybeReelectDeferred(delta)
			if sl.logger != nil {
				sl.logger.Debug("piggy-back latency check", zap.Int64("server_time_delta_ms", delta))
			}
		}
	}

	return env.Data, nil
}

// mergeLatencyCheck appends a second `info{...}` selection aliased q2 to
// the caller's query body (spec.md §4.C.4, §6). The original query string
// is opaque application GraphQL (outside this spec's scope); we splice the
// alias in alongside it rather than parsing it.
func mergeLatencyCheck(query string) string {
	const q2 = ` q2: info { version time lastBlockTime }`
	// Insert just before the final closing brace of the outermost query.
	idx := lastIndexByte(query, '}')
	if idx < 0 {
		return query + q2
	}
	return query[:idx] + q2 + query[idx:]
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// extractQ2LastBlockTime pulls lastBlockTime out of the q2-aliased info
// block merged by mergeLatencyCheck.
func extractQ2LastBlockTime(rawBody []byte) (int64, bool) {
	var parsed struct {
		Data struct {
			Q2 struct {
				LastBlockTime int64 `json:"lastBlockTime"`
			} `json:"q2"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &parsed); err != nil {
		return 0, false
	}
	if parsed.Data.Q2.LastBlockTime == 0 {
		return 0, false
	}
	return parsed.Data.Q2.LastBlockTime, true
}
