// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chatsync/pkg/dialog/accumulator"
	"github.com/AleutianAI/chatsync/pkg/dialog/approval"
	"github.com/AleutianAI/chatsync/pkg/dialog/catchup"
	dt "github.com/AleutianAI/chatsync/pkg/dialog/datatypes"
	"github.com/AleutianAI/chatsync/pkg/dialog/observability"
	"github.com/AleutianAI/chatsync/pkg/dialog/store"
	"github.com/AleutianAI/chatsync/pkg/dialog/subscription"
)

// =============================================================================
// Fake Server
// =============================================================================

type fakeServer struct {
	mu           sync.Mutex
	chunks       map[string]map[dt.Channel][]dt.Chunk
	history      map[string]map[string]dt.HistoryPage
	historyErr   error
	historyCalls int
	historyGate  chan struct{}
	historyIn    chan struct{}
	approveErr   error
	decisions    []string
	subscribed   []string
	unsubscribed []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		chunks:  map[string]map[dt.Channel][]dt.Chunk{},
		history: map[string]map[string]dt.HistoryPage{},
	}
}

func (f *fakeServer) setChunks(conv string, ch dt.Channel, chunks ...dt.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chunks[conv] == nil {
		f.chunks[conv] = map[dt.Channel][]dt.Chunk{}
	}
	f.chunks[conv][ch] = chunks
}

func (f *fakeServer) setHistory(conv, cursor string, page dt.HistoryPage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.history[conv] == nil {
		f.history[conv] = map[string]dt.HistoryPage{}
	}
	f.history[conv][cursor] = page
}

func (f *fakeServer) FetchChunks(_ context.Context, conv string, ch dt.Channel, _ *int64) ([]dt.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dt.Chunk(nil), f.chunks[conv][ch]...), nil
}

func (f *fakeServer) FetchHistory(_ context.Context, conv, cursor string, _ int) (dt.HistoryPage, error) {
	f.mu.Lock()
	f.historyCalls++
	err := f.historyErr
	page := f.history[conv][cursor]
	gate, in := f.historyGate, f.historyIn
	f.mu.Unlock()
	if in != nil {
		in <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	return page, err
}

func (f *fakeServer) Approve(_ context.Context, id string) error { return f.decide("approve", id) }
func (f *fakeServer) Reject(_ context.Context, id string) error  { return f.decide("reject", id) }

func (f *fakeServer) decide(kind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return f.approveErr
	}
	f.decisions = append(f.decisions, kind+":"+id)
	return nil
}

func (f *fakeServer) Subscribe(_ context.Context, conv string, _ []dt.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, conv)
	return nil
}

func (f *fakeServer) Unsubscribe(_ context.Context, conv string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, conv)
	return nil
}

type fakeCache struct {
	msgs   map[string][]dt.WireMessage
	stored map[string]int
}

func (c *fakeCache) Load(conv string) ([]dt.WireMessage, error) { return c.msgs[conv], nil }

func (c *fakeCache) Store(conv string, msgs []dt.WireMessage) error {
	c.stored[conv] += len(msgs)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

var fixedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEngine struct {
	*Engine
	srv     *fakeServer
	metrics *observability.Metrics
}

func newTestEngine(t *testing.T, srv *fakeServer, cfg Config, cache MessageCache) *testEngine {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	deps := Deps{
		Chunks:   srv,
		History:  srv,
		Approver: srv,
		Push:     srv,
		Metrics:  metrics,
		Now:      func() time.Time { return fixedTime },
		NewID:    func() string { return "generated" },
		Spawn:    func(f func()) { f() },
	}
	if cache != nil {
		deps.Cache = cache
	}
	return &testEngine{Engine: New(cfg, deps), srv: srv, metrics: metrics}
}

// push delivers chunks through the subscription boundary like the transport.
func (te *testEngine) push(conv string, chunks ...dt.Chunk) {
	for _, c := range chunks {
		te.PushHandler().OnChunk(conv, dt.ChannelClient, c)
	}
}

func (te *testEngine) ack(conv string) {
	te.PushHandler().OnSubscribed(conv)
}

func startMsg(seq int64, id string) dt.Chunk {
	return dt.Chunk{Type: dt.ChunkMessageStart, SequenceID: dt.Seq(seq), MessageID: id}
}

func textChunk(seq int64, s string) dt.Chunk {
	return dt.Chunk{Type: dt.ChunkText, SequenceID: dt.Seq(seq), Text: s}
}

func endMsg(seq int64) dt.Chunk {
	return dt.Chunk{Type: dt.ChunkMessageEnd, SequenceID: dt.Seq(seq)}
}

func toolChunk(seq int64, typ dt.ChunkType) dt.Chunk {
	c := dt.Chunk{Type: typ, SequenceID: dt.Seq(seq), Tool: "shell", Function: "run"}
	if typ == dt.ChunkExecutedTool {
		r := "ok"
		c.Result = &r
	}
	return c
}

func approvalChunk(seq int64, id string) dt.Chunk {
	return dt.Chunk{Type: dt.ChunkApprovalRequest, SequenceID: dt.Seq(seq), RequestID: id, Command: "deploy"}
}

type rendered struct {
	ID       string
	Author   dt.Author
	Text     string
	Segments []dt.Segment
}

func render(v store.View) []rendered {
	out := make([]rendered, len(v.Messages))
	for i, m := range v.Messages {
		out[i] = rendered{ID: m.ID, Author: m.Author, Text: m.Text(), Segments: m.Segments()}
	}
	return out
}

func userWire(id, text string) dt.WireMessage {
	return dt.WireMessage{ID: id, Owner: dt.Owner{Type: "USER"}, Content: dt.WireContent{Text: &text}}
}

func assistantWire(id string, items ...dt.Chunk) dt.WireMessage {
	return dt.WireMessage{ID: id, Channel: dt.ChannelClient, Owner: dt.Owner{Type: "ASSISTANT"}, Content: dt.WireContent{Items: items}}
}

func approvalStatusIn(t *testing.T, m dt.Message, requestID string) dt.ApprovalStatus {
	t.Helper()
	for _, s := range m.Segments() {
		if req, ok := s.(dt.ApprovalRequestSegment); ok && req.RequestID == requestID {
			return req.Status
		}
	}
	t.Fatalf("request %s not found in message %s", requestID, m.ID)
	return ""
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestOpen_SubscribesAndCatchesUpOnAck(t *testing.T) {
	srv := newFakeServer()
	srv.setChunks("c1", dt.ChannelClient,
		startMsg(1, "m1"), textChunk(2, "old"), endMsg(3),
		startMsg(4, "m2"), textChunk(5, "in progress"))
	te := newTestEngine(t, srv, Config{}, nil)

	require.NoError(t, te.Open(context.Background(), "c1"))
	assert.Equal(t, []string{"c1"}, srv.subscribed)
	assert.Empty(t, te.View("c1").Messages, "catch-up waits for the acknowledgement")

	te.ack("c1")

	v := te.View("c1")
	require.Len(t, v.Messages, 1, "finalized message m1 is left to history")
	assert.Equal(t, "m2", v.Messages[0].ID)
	assert.Equal(t, "m2", v.StreamingID)
	assert.True(t, v.Typing)
	assert.Equal(t, subscription.CaughtUp, te.Subscription("c1").Phase)
}

func TestOpen_Twice(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)

	require.NoError(t, te.Open(context.Background(), "c1"))
	require.NoError(t, te.Open(context.Background(), "c1"))

	assert.Len(t, te.srv.subscribed, 1)
	assert.ErrorIs(t, te.Open(context.Background(), ""), ErrEmptyConversationID)
}

func TestClose_KeepsMessagesAndResetsState(t *testing.T) {
	srv := newFakeServer()
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")
	te.push("c1", startMsg(1, "m1"), textChunk(2, "hello"))

	require.NoError(t, te.Close(context.Background(), "c1"))

	assert.Equal(t, []string{"c1"}, srv.unsubscribed)
	assert.False(t, te.IsOpen("c1"))
	v := te.View("c1")
	require.Len(t, v.Messages, 1)
	assert.False(t, v.Typing)

	te.HandleChunk("c1", dt.ChannelClient, textChunk(3, " ignored"))
	assert.Equal(t, "hello", te.View("c1").Messages[0].Segments()[0].(dt.TextSegment).Content)

	// Reopen: the server replays the in-progress message; the tracker was
	// reset, and the replay lands on the same message id.
	srv.setChunks("c1", dt.ChannelClient, startMsg(1, "m1"), textChunk(2, "hello"), textChunk(3, " again"))
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	v = te.View("c1")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "hello again", v.Messages[0].Segments()[0].(dt.TextSegment).Content)
}

func TestReopen_InterruptedMessageFinishedWhileClosed(t *testing.T) {
	ctx := context.Background()
	stream := []dt.Chunk{
		startMsg(5, "m"), textChunk(6, "Hel"), textChunk(7, "lo"), endMsg(8),
		startMsg(9, "m2"), textChunk(10, "x"),
	}

	ref := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, ref.Open(ctx, "c1"))
	ref.ack("c1")
	ref.push("c1", stream...)
	want := render(ref.View("c1"))

	srv := newFakeServer()
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(ctx, "c1"))
	te.ack("c1")
	te.push("c1", stream[:2]...)
	require.NoError(t, te.Close(ctx, "c1"))

	// m finishes on the server while the conversation is closed.
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		assistantWire("m", dt.Chunk{Type: dt.ChunkText, Text: "Hello"}),
	}})
	srv.setChunks("c1", dt.ChannelClient, stream...)
	require.NoError(t, te.Open(ctx, "c1"))
	te.ack("c1")

	if diff := cmp.Diff(want, render(te.View("c1"))); diff != "" {
		t.Fatalf("reopened view differs from an uninterrupted one (-want +got):\n%s", diff)
	}
	assert.Equal(t, "m2", te.View("c1").StreamingID)
	assert.Equal(t, 2, srv.historyCalls, "the newest page is fetched again on reopen")

	// Once everything has ended there is nothing to refresh.
	te.push("c1", endMsg(11))
	require.NoError(t, te.Close(ctx, "c1"))
	require.NoError(t, te.Open(ctx, "c1"))
	assert.Equal(t, 2, srv.historyCalls)
}

func TestReopen_RefreshFailureKeepsPartialMessage(t *testing.T) {
	ctx := context.Background()
	srv := newFakeServer()
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(ctx, "c1"))
	te.ack("c1")
	te.push("c1", startMsg(5, "m"), textChunk(6, "Hel"))
	require.NoError(t, te.Close(ctx, "c1"))

	srv.mu.Lock()
	srv.historyErr = errors.New("offline")
	srv.mu.Unlock()
	require.NoError(t, te.Open(ctx, "c1"))
	assert.Equal(t, []string{"m"}, ids(te.View("c1")), "the partial message stays until a refresh succeeds")
	require.NoError(t, te.Close(ctx, "c1"))

	srv.mu.Lock()
	srv.historyErr = nil
	srv.mu.Unlock()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		assistantWire("m", dt.Chunk{Type: dt.ChunkText, Text: "Hello"}),
	}})
	srv.setChunks("c1", dt.ChannelClient, startMsg(5, "m"), textChunk(6, "Hel"), textChunk(7, "lo"), endMsg(8))
	require.NoError(t, te.Open(ctx, "c1"))
	te.ack("c1")

	v := te.View("c1")
	require.Equal(t, []string{"m"}, ids(v))
	assert.Equal(t, "Hello", v.Messages[0].Segments()[0].(dt.TextSegment).Content)
	assert.Equal(t, 3, srv.historyCalls)
}

func TestShutdown(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	require.NoError(t, te.Open(context.Background(), "c2"))

	require.NoError(t, te.Shutdown(context.Background()))

	assert.False(t, te.IsOpen("c1"))
	assert.False(t, te.IsOpen("c2"))
}

// =============================================================================
// Delivery Paths
// =============================================================================

var streamed = []dt.Chunk{
	startMsg(1, "m1"),
	textChunk(2, "Hello "),
	toolChunk(3, dt.ChunkExecutingTool),
	toolChunk(4, dt.ChunkExecutedTool),
	textChunk(5, "done"),
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	te.push("c1", streamed...)
	once := render(te.View("c1"))
	te.push("c1", streamed...)

	if diff := cmp.Diff(once, render(te.View("c1"))); diff != "" {
		t.Fatalf("redelivery changed the view (-once +twice):\n%s", diff)
	}
	assert.Equal(t, float64(len(streamed)),
		testutil.ToFloat64(te.metrics.ChunksTotal.WithLabelValues("client", "push", "duplicate")))
}

func TestDeliveryPathsConverge(t *testing.T) {
	pushOnly := func(t *testing.T) []rendered {
		te := newTestEngine(t, newFakeServer(), Config{}, nil)
		require.NoError(t, te.Open(context.Background(), "c1"))
		te.ack("c1")
		te.push("c1", streamed...)
		return render(te.View("c1"))
	}
	catchUpOnly := func(t *testing.T) []rendered {
		srv := newFakeServer()
		srv.setChunks("c1", dt.ChannelClient, streamed...)
		te := newTestEngine(t, srv, Config{}, nil)
		require.NoError(t, te.Open(context.Background(), "c1"))
		te.ack("c1")
		return render(te.View("c1"))
	}
	mixed := func(t *testing.T) []rendered {
		srv := newFakeServer()
		srv.setChunks("c1", dt.ChannelClient, streamed[:3]...)
		te := newTestEngine(t, srv, Config{}, nil)
		require.NoError(t, te.Open(context.Background(), "c1"))
		// Pushed before the acknowledgement, then overlapping the catch-up.
		te.push("c1", streamed[4], streamed[1])
		te.ack("c1")
		te.push("c1", streamed[2], streamed[3])
		return render(te.View("c1"))
	}

	want := pushOnly(t)
	require.Len(t, want, 1)
	for name, path := range map[string]func(*testing.T) []rendered{"catch-up": catchUpOnly, "mixed": mixed} {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(want, path(t)); diff != "" {
				t.Fatalf("%s diverged from push-only (-want +got):\n%s", name, diff)
			}
		})
	}
}

func TestDeliveryOrderDoesNotChangeView(t *testing.T) {
	yes := true
	turns := []dt.Chunk{
		startMsg(1, "m1"),
		textChunk(2, "Checking. "),
		toolChunk(3, dt.ChunkExecutingTool),
		toolChunk(4, dt.ChunkExecutedTool),
		endMsg(5),
		startMsg(6, "m2"),
		approvalChunk(7, "r1"),
		{Type: dt.ChunkApprovalResult, SequenceID: dt.Seq(8), RequestID: "r1", Approved: &yes},
		textChunk(9, "Deployed."),
		endMsg(10),
	}
	deliver := func(t *testing.T, order []dt.Chunk) []rendered {
		te := newTestEngine(t, newFakeServer(), Config{}, nil)
		require.NoError(t, te.Open(context.Background(), "c1"))
		te.ack("c1")
		te.push("c1", order...)
		return render(te.View("c1"))
	}

	want := deliver(t, turns)
	require.Len(t, want, 2)
	assert.Equal(t, "m1", want[0].ID)
	assert.Equal(t, "m2", want[1].ID)

	rng := rand.New(rand.NewSource(20250601))
	for i := 0; i < 300; i++ {
		order := slices.Clone(turns)
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })
		if diff := cmp.Diff(want, deliver(t, order)); diff != "" {
			t.Fatalf("delivery order %d diverged (-want +got):\n%s", i, diff)
		}
	}
}

func TestLaterMessageFirstKeepsTurnOrder(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	te.push("c1", startMsg(10, "m2"), textChunk(11, "second"), endMsg(12))
	te.push("c1", textChunk(2, "first"), endMsg(3), startMsg(1, "m1"))

	assert.Equal(t, []string{"m1", "m2"}, ids(te.View("c1")))
}

func TestMalformedChunkDropped(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	te.push("c1", dt.Chunk{Type: "SURPRISE", SequenceID: dt.Seq(1)}, dt.Chunk{Type: dt.ChunkExecutingTool, SequenceID: dt.Seq(2)})

	assert.Empty(t, te.View("c1").Messages)
	assert.Equal(t, 2.0, testutil.ToFloat64(te.metrics.ChunksTotal.WithLabelValues("client", "push", "invalid")))
}

func TestApplyCatchUp_StaleEpochDiscarded(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))

	ok := te.ApplyCatchUp(catchup.Request{ConversationID: "c1", Epoch: 999},
		[]catchup.Item{{Channel: dt.ChannelClient, Chunk: textChunk(1, "stale")}})

	assert.False(t, ok)
	assert.Empty(t, te.View("c1").Messages)
}

func TestPushBeforeOpenIsDropped(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)

	te.push("c1", startMsg(1, "m1"))

	assert.Empty(t, te.View("c1").Messages)
}

// =============================================================================
// Unread
// =============================================================================

func TestUnreadIsolation(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, te.Open(context.Background(), id))
		te.ack(id)
	}
	te.SetActive("c1")

	te.push("c1", startMsg(1, "a"), textChunk(2, "x"))
	te.push("c2", startMsg(1, "b"), textChunk(2, "y"), textChunk(3, "z"))

	assert.Equal(t, 0, te.View("c1").Unread)
	assert.Equal(t, 3, te.View("c2").Unread)

	te.SetActive("c2")
	assert.Equal(t, 0, te.View("c2").Unread)
	assert.Equal(t, 0, te.View("c1").Unread)
	assert.Equal(t, "c2", te.Active())
}

// =============================================================================
// History
// =============================================================================

func TestLoadHistory_Pages(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{
		Messages:   []dt.WireMessage{userWire("m3", "three"), userWire("m4", "four")},
		NextCursor: "p2",
		HasMore:    true,
	})
	srv.setHistory("c1", "p2", dt.HistoryPage{
		Messages: []dt.WireMessage{userWire("m1", "one"), userWire("m2", "two")},
	})
	cache := &fakeCache{stored: map[string]int{}}
	te := newTestEngine(t, srv, Config{}, cache)

	require.NoError(t, te.Open(context.Background(), "c1"))
	assert.Equal(t, []string{"m3", "m4"}, ids(te.View("c1")))
	assert.True(t, te.View("c1").HasMoreHistory)

	loaded, err := te.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(te.View("c1")))

	loaded, err = te.LoadHistory(context.Background(), "c1")
	require.NoError(t, err)
	assert.False(t, loaded)
	assert.Equal(t, 2, srv.historyCalls, "exhausted history is not refetched")
	assert.Equal(t, 4, cache.stored["c1"])
}

func TestLoadHistory_ConcurrentCallsShareOneFetch(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{userWire("m1", "one")}})
	srv.historyGate = make(chan struct{})
	srv.historyIn = make(chan struct{}, 2)
	te := newTestEngine(t, srv, Config{}, nil)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = te.LoadHistory(context.Background(), "c1")
		}()
	}
	<-srv.historyIn
	time.Sleep(50 * time.Millisecond)
	close(srv.historyGate)
	wg.Wait()

	assert.Equal(t, 1, srv.historyCalls)
	assert.Equal(t, []bool{true, true}, results)
	assert.Len(t, te.View("c1").Messages, 1)
}

func TestOpen_FallsBackToCache(t *testing.T) {
	srv := newFakeServer()
	srv.historyErr = errors.New("offline")
	cache := &fakeCache{
		msgs:   map[string][]dt.WireMessage{"c1": {userWire("cached", "from disk")}},
		stored: map[string]int{},
	}
	te := newTestEngine(t, srv, Config{}, cache)

	require.NoError(t, te.Open(context.Background(), "c1"))

	v := te.View("c1")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "from disk", v.Messages[0].Text())
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.HistoryPagesTotal.WithLabelValues("cache", "ok")))
}

func ids(v store.View) []string {
	out := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		out[i] = m.ID
	}
	return out
}

// =============================================================================
// Resume
// =============================================================================

func TestResumeDoesNotDuplicateSegments(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		userWire("u1", "deploy it"),
		assistantWire("hist-1",
			dt.Chunk{Type: dt.ChunkText, Text: "Checking. "},
			dt.Chunk{Type: dt.ChunkExecutingTool, Tool: "shell", Function: "run"},
			dt.Chunk{Type: dt.ChunkApprovalRequest, RequestID: "r1", Command: "deploy"},
		),
	}})
	// The in-progress message is replayed from its start, without a
	// message id.
	srv.setChunks("c1", dt.ChannelClient,
		startMsg(10, ""),
		textChunk(11, "Checking. "),
		toolChunk(12, dt.ChunkExecutingTool),
		approvalChunk(13, "r1"),
	)
	te := newTestEngine(t, srv, Config{}, nil)

	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	v := te.View("c1")
	assert.Equal(t, []string{"u1", "hist-1"}, ids(v))
	segs := v.Messages[1].Segments()
	require.Len(t, segs, 3, "no duplicated tool or approval segments: %+v", segs)
	assert.Equal(t, dt.ToolExecuting, segs[1].(dt.ToolExecutionSegment).State)
	assert.Equal(t, "r1", segs[2].(dt.ApprovalRequestSegment).RequestID)

	te.push("c1", toolChunk(14, dt.ChunkExecutedTool), endMsg(15))

	v = te.View("c1")
	require.Len(t, v.Messages, 2)
	segs = v.Messages[1].Segments()
	require.Len(t, segs, 3)
	assert.Equal(t, dt.ToolExecuted, segs[1].(dt.ToolExecutionSegment).State)
	assert.False(t, v.Typing)
}

func TestResumeKeepsUnreplayedIncompleteSegments(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		assistantWire("hist-1",
			dt.Chunk{Type: dt.ChunkExecutingTool, Tool: "shell", Function: "run"},
		),
	}})
	srv.setChunks("c1", dt.ChannelClient, startMsg(20, ""), textChunk(21, "Still working"))
	te := newTestEngine(t, srv, Config{}, nil)

	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	v := te.View("c1")
	require.Len(t, v.Messages, 1)
	segs := v.Messages[0].Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, "Still working", segs[0].(dt.TextSegment).Content)
	assert.Equal(t, dt.ToolExecuting, segs[1].(dt.ToolExecutionSegment).State, "seeded tool stays visible")
}

// =============================================================================
// Approvals
// =============================================================================

func TestApprove_PropagatesToLiveAndFinalized(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		assistantWire("old", dt.Chunk{Type: dt.ChunkApprovalRequest, RequestID: "r1", Command: "deploy"}),
	}})
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")
	te.push("c1", startMsg(1, "live"), textChunk(2, "Again: "), approvalChunk(3, "r1"))

	require.NoError(t, te.Approve(context.Background(), "c1", "r1"))

	assert.Equal(t, []string{"approve:r1"}, srv.decisions)
	for _, m := range te.Messages("c1") {
		assert.Equal(t, dt.ApprovalApproved, approvalStatusIn(t, m, "r1"), "message %s", m.ID)
	}
	st, ok := te.ApprovalStatus("c1", "r1")
	require.True(t, ok)
	assert.Equal(t, dt.ApprovalApproved, st)

	require.NoError(t, te.Approve(context.Background(), "c1", "r1"))
	assert.Len(t, srv.decisions, 1, "repeat approval is a no-op")
}

func TestApprove_FailureIsRecoverable(t *testing.T) {
	srv := newFakeServer()
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")
	te.push("c1", startMsg(1, "live"), approvalChunk(2, "r1"))
	srv.approveErr = errors.New("server said no")

	err := te.Reject(context.Background(), "c1", "r1")

	var actionErr *approval.ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.True(t, actionErr.Recoverable())
	assert.Equal(t, dt.ApprovalPending, approvalStatusIn(t, te.Messages("c1")[0], "r1"))

	srv.approveErr = nil
	require.NoError(t, te.Reject(context.Background(), "c1", "r1"))
	assert.Equal(t, dt.ApprovalRejected, approvalStatusIn(t, te.Messages("c1")[0], "r1"))
}

func TestApprovalResultChunkUpdatesFinalizedMessage(t *testing.T) {
	srv := newFakeServer()
	srv.setHistory("c1", "", dt.HistoryPage{Messages: []dt.WireMessage{
		assistantWire("old",
			dt.Chunk{Type: dt.ChunkApprovalRequest, RequestID: "r9", Command: "rm"},
			dt.Chunk{Type: dt.ChunkText, Text: "waiting"},
		),
		userWire("u1", "ok"),
	}})
	te := newTestEngine(t, srv, Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")

	yes := true
	te.push("c1", dt.Chunk{Type: dt.ChunkApprovalResult, SequenceID: dt.Seq(40), RequestID: "r9", Approved: &yes})

	old := te.View("c1").Messages[0]
	assert.Equal(t, "old", old.ID)
	assert.Equal(t, dt.ApprovalApproved, approvalStatusIn(t, old, "r9"))
}

func TestSetApprovalHandlers(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	require.NoError(t, te.Open(context.Background(), "c1"))

	var got string
	require.NoError(t, te.SetApprovalHandlers("c1", accumulator.ApprovalHandlers{
		OnApprove: func(_ context.Context, id string) error {
			got = id
			return nil
		},
	}))

	require.NoError(t, te.Approve(context.Background(), "c1", "r5"))
	assert.Equal(t, "r5", got)
	assert.Empty(t, te.srv.decisions)
	assert.ErrorIs(t, te.Reject(context.Background(), "c1", "r5"), accumulator.ErrNoHandler)
	assert.ErrorIs(t, te.SetApprovalHandlers("nope", accumulator.ApprovalHandlers{}), ErrConversationNotOpen)
}

// =============================================================================
// Observers
// =============================================================================

func TestSubscribeObservers(t *testing.T) {
	te := newTestEngine(t, newFakeServer(), Config{}, nil)
	var mu sync.Mutex
	var events []string
	stop := te.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, fmt.Sprintf("%s:%s", ev.ConversationID, ev.Kind))
	})

	require.NoError(t, te.Open(context.Background(), "c1"))
	te.ack("c1")
	te.push("c1", startMsg(1, "m"))
	stop()
	te.push("c1", textChunk(2, "after stop"))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, "c1:subscription")
	assert.Contains(t, events, "c1:messages")
	last := events[len(events)-1]
	assert.Equal(t, "c1:messages", last)
}
