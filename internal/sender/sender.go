// Package sender implements the message sender (spec.md §4.E): parallel
// fan-out send with chunked endpoint selection and first-success-wins
// racing, grounded on internal/broadcaster.Broadcaster's concurrent
// fan-out-to-subscribers shape and on original_source's send_message.rs.
package sender

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/PayRpc/ledger-client-go/internal/clockenv"
	"github.com/PayRpc/ledger-client-go/internal/endpoint"
	"github.com/PayRpc/ledger-client-go/internal/metrics"
	"github.com/PayRpc/ledger-client-go/internal/nwerrors"
	"github.com/PayRpc/ledger-client-go/internal/serverlink"
)

// Event is one ProcessingEvent variant surfaced to callers (spec.md §6).
// Delivery is async and must never block the sending pipeline.
type Event struct {
	Kind         string // WillFetchFirstBlock, FetchFirstBlockFailed, WillSend, DidSend, SendFailed
	ShardBlockID string
	MessageID    string
	Message      string
	Err          error
}

// EventSink receives Events off the hot path.
type EventSink func(Event)

func emit(sink EventSink, evt Event) {
	if sink == nil {
		return
	}
	go sink(evt)
}

// Result is returned by SendMessage on success.
type Result struct {
	ShardBlockID string
}

// ShardBlockFinder resolves the last shard block id for a destination
// address via the query path (spec.md §4.E.2). It is a function value
// (not a concrete *serverlink.ServerLink method signature) so tests can
// substitute a canned finder without standing up a real query.
type ShardBlockFinder func(ctx context.Context, sl *serverlink.ServerLink, ep *endpoint.Endpoint, dst string) (string, error)

// Sender fans a serialized message out across the candidate endpoint pool.
type Sender struct {
	sl     *serverlink.ServerLink
	env    clockenv.Env
	logger *zap.Logger
	find   ShardBlockFinder
}

func New(sl *serverlink.ServerLink, env clockenv.Env, logger *zap.Logger, find ShardBlockFinder) *Sender {
	if find == nil {
		find = DefaultShardBlockFinder
	}
	return &Sender{sl: sl, env: env, logger: logger, find: find}
}

// DefaultShardBlockFinder issues the "last shard block" query against the
// pinned endpoint via ServerLink.QueryAt (spec.md §4.E.2), treating the
// query's own result field as the shard block id.
func DefaultShardBlockFinder(ctx context.Context, sl *serverlink.ServerLink, ep *endpoint.Endpoint, dst string) (string, error) {
	body := serverlink.GraphQLBody{
		Query: `query($dst:String!){last_shard_block(address:$dst)}`,
		Variables: map[string]interface{}{"dst": dst},
	}
	data, err := sl.QueryAt(ctx, ep, body)
	if err != nil {
		return "", err
	}
	var parsed struct {
		LastShardBlock string `json:"last_shard_block"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", nwerrors.InvalidData("malformed last_shard_block response", err)
	}
	if parsed.LastShardBlock == "" {
		return "", nwerrors.BlockNotFound("last_shard_block not found for destination")
	}
	return parsed.LastShardBlock, nil
}

// SendingMessage is the pre-validated message plus its derived identity
// (spec.md §3 "Pending request" sibling for the send path; the hash id
// comes from original_source/send_message.rs's SendingMessage).
type SendingMessage struct {
	Body           []byte
	ID             string // hex-encoded hash of Body
	Dst            string
	ExpireAtMs     int64 // 0 means no expiration check
}

// NewSendingMessage validates a message before it reaches the fan-out:
// MessageHasNoDestination if dst is empty, MessageAlreadyExpired if
// expireAtMs has already passed (spec.md §4.G, SPEC_FULL §5).
func NewSendingMessage(body []byte, dst string, expireAtMs int64, nowMs uint64) (*SendingMessage, error) {
	if dst == "" {
		return nil, nwerrors.MessageHasNoDestination()
	}
	if expireAtMs > 0 && expireAtMs <= int64(nowMs) {
		return nil, nwerrors.MessageAlreadyExpired()
	}
	sum := sha256.Sum256(body)
	return &SendingMessage{Body: body, ID: hex.EncodeToString(sum[:]), Dst: dst, ExpireAtMs: expireAtMs}, nil
}

// SendMessage implements spec.md §4.E: shuffle the full candidate list,
// partition into chunks of config.SendingEndpointCount, race each chunk
// with first-success-wins, and advance to the next chunk on total chunk
// failure.
func (s *Sender) SendMessage(ctx context.Context, msg *SendingMessage, sink EventSink) (Result, error) {
	if msg.ExpireAtMs > 0 && msg.ExpireAtMs <= int64(s.env.NowMs()) {
		return Result{}, nwerrors.MessageAlreadyExpired()
	}

	emit(sink, Event{Kind: "WillFetchFirstBlock"})

	addresses := s.getAddressesForSending()
	rand.Shuffle(len(addresses), func(i, j int) { addresses[i], addresses[j] = addresses[j], addresses[i] })

	chunkSize := s.sl.Config().SendingEndpointCount
	if chunkSize <= 0 {
		chunkSize = 1
	}

	var lastErr error
	for start := 0; start < len(addresses); start += chunkSize {
		end := start + chunkSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunk := addresses[start:end]

		result, err := s.raceChunk(ctx, chunk, msg, sink)
		if err == nil {
			metrics.SendChunksTotal.WithLabelValues("won").Inc()
			return result, nil
		}
		metrics.SendChunksTotal.WithLabelValues("exhausted").Inc()
		lastErr = err
	}

	if lastErr != nil {
		return Result{}, nwerrors.BlockNotFound(fmt.Sprintf("no endpoints: %v", lastErr))
	}
	return Result{}, nwerrors.BlockNotFound("no endpoints")
}

// raceChunk launches one send per URL in the chunk in parallel; the first
// Ok result wins and cancels the rest (spec.md §3 invariant 4, §4.E.3). A
// SendFailed (HTTP 200 with logical rejection) counts as Err for race
// purposes per spec.md §9's resolved ambiguity, not as a win.
func (s *Sender) raceChunk(ctx context.Context, chunk []*endpoint.Endpoint, msg *SendingMessage, sink EventSink) (Result, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	results := make(chan outcome, len(chunk))
	var wg sync.WaitGroup
	for _, ep := range chunk {
		wg.Add(1)
		go func(ep *endpoint.Endpoint) {
			defer wg.Done()
			r, err := s.sendToEndpoint(raceCtx, ep, msg, sink)
			select {
			case results <- outcome{r, err}:
			case <-raceCtx.Done():
			}
		}(ep)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var combinedErr error
	for o := range results {
		if o.err == nil {
			cancel() // first success wins, cancel the rest
			return o.result, nil
		}
		combinedErr = multierr.Append(combinedErr, o.err)
	}
	return Result{}, combinedErr
}

// sendToEndpoint performs, in order: resolve, find-last-shard-block,
// WillSend, POST, DidSend/SendFailed (spec.md §4.E.4). The same endpoint
// used for the shard block lookup is used for the POST, never re-elected
// between the two (spec.md §5(d)).
func (s *Sender) sendToEndpoint(ctx context.Context, ep *endpoint.Endpoint, msg *SendingMessage, sink EventSink) (Result, error) {
	shardBlockID, err := s.find(ctx, s.sl, ep, msg.Dst)
	if err != nil {
		ferr := nwerrors.FetchFirstBlockFailed(err).WithEndpoint(ep.URL)
		emit(sink, Event{Kind: "FetchFirstBlockFailed", MessageID: msg.ID, Err: ferr})
		ep.Stats.MessageUndelivered()
		metrics.EndpointFailureCount.WithLabelValues(ep.URL).Set(float64(ep.Stats.FailureCount()))
		return Result{}, ferr
	}

	emit(sink, Event{Kind: "WillSend", ShardBlockID: shardBlockID, MessageID: msg.ID, Message: hex.EncodeToString(msg.Body)})

	payload, _ := json.Marshal(map[string]string{"id": msg.ID, "boc": hex.EncodeToString(msg.Body)})
	resp, err := s.env.Fetch(ctx, clockenv.FetchRequest{
		URL:     ep.GraphQLURL(),
		Method:  "POST",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    payload,
	})

	var sendErr error
	switch {
	case err != nil:
		sendErr = nwerrors.NetworkError("send failed: transport error", err).WithEndpoint(ep.URL)
	case resp.Status >= 300:
		sendErr = nwerrors.NetworkError(fmt.Sprintf("send failed: http %d", resp.Status), nil).WithEndpoint(ep.URL)
	}

	if sendErr != nil {
		emit(sink, Event{Kind: "SendFailed", ShardBlockID: shardBlockID, MessageID: msg.ID, Message: hex.EncodeToString(msg.Body), Err: sendErr})
		// SendFailed is Err for race purposes (spec.md §9); the failed
		// endpoint is recorded via MessageUndelivered.
		ep.Stats.MessageUndelivered()
		metrics.EndpointFailureCount.WithLabelValues(ep.URL).Set(float64(ep.Stats.FailureCount()))
		return Result{}, sendErr
	}

	emit(sink, Event{Kind: "DidSend", ShardBlockID: shardBlockID, MessageID: msg.ID, Message: hex.EncodeToString(msg.Body)})
	ep.Stats.MessageDelivered()
	metrics.EndpointFailureCount.WithLabelValues(ep.URL).Set(float64(ep.Stats.FailureCount()))
	return Result{ShardBlockID: shardBlockID}, nil
}

// getAddressesForSending returns the candidate list sorted by
// (failure_count ascending, random tiebreak) so endpoints with a
// MessageUndelivered history are pushed to the tail (spec.md §4.E "Address
// biasing").
func (s *Sender) getAddressesForSending() []*endpoint.Endpoint {
	candidates := s.sl.Elector().Candidates()
	tiebreak := make([]float64, len(candidates))
	for i := range tiebreak {
		tiebreak[i] = rand.Float64()
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		fi, fj := candidates[i].Stats.FailureCount(), candidates[j].Stats.FailureCount()
		if fi != fj {
			return fi < fj
		}
		return tiebreak[i] < tiebreak[j]
	})
	return candidates
}
