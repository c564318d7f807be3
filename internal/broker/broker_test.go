// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-gate/internal/messagelog"
	pkgerrors "review-gate/pkg/errors"
	"review-gate/pkg/log"
)

type countdownEvent struct {
	remaining, total int
}

type recordingNotifier struct {
	mu         sync.Mutex
	announced  []PendingRequest
	timeouts   []int
	countdowns []countdownEvent
	notices    []NoticeKind
}

func (n *recordingNotifier) Announce(ctx context.Context, req PendingRequest, defaultTimeout int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announced = append(n.announced, req)
	n.timeouts = append(n.timeouts, defaultTimeout)
}

func (n *recordingNotifier) Countdown(ctx context.Context, triggerID string, remaining, total int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.countdowns = append(n.countdowns, countdownEvent{remaining, total})
}

func (n *recordingNotifier) Notice(ctx context.Context, kind NoticeKind, triggerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, kind)
}

func (n *recordingNotifier) snapshot() ([]PendingRequest, []countdownEvent, []NoticeKind) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PendingRequest(nil), n.announced...),
		append([]countdownEvent(nil), n.countdowns...),
		append([]NoticeKind(nil), n.notices...)
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *recordingNotifier, messagelog.Store) {
	t.Helper()
	store := messagelog.NewMemoryStore()
	b := New(store, log.NewNop().Logger, opts...)
	n := &recordingNotifier{}
	b.SetNotifier(n)
	return b, n, store
}

// waitCurrent 等待 triggerID 成为当前请求
func waitCurrent(t *testing.T, b *Broker, triggerID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, ok := b.Current()
		return ok && cur.TriggerID == triggerID
	}, 2*time.Second, 5*time.Millisecond)
}

type submitResult struct {
	reply *Reply
	err   error
}

func submitAsync(ctx context.Context, b *Broker, req SubmitRequest) <-chan submitResult {
	ch := make(chan submitResult, 1)
	go func() {
		r, err := b.Submit(ctx, req)
		ch <- submitResult{r, err}
	}()
	return ch
}

func TestSubmitResolve(t *testing.T) {
	b, n, store := newTestBroker(t)
	ctx := context.Background()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_1", Message: "Review diff", Title: "PR", DisplayTimeout: 120})
	waitCurrent(t, b, "review_1")

	atts := []messagelog.Attachment{{FileName: "a.png", MimeType: "image/png", Base64Data: "AAAA"}}
	require.True(t, b.Resolve(ctx, "review_1", "LGTM", atts))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "LGTM", res.reply.Text)
	assert.Equal(t, atts, res.reply.Attachments)

	_, ok := b.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Tracked())

	announced, _, _ := n.snapshot()
	require.Len(t, announced, 1)
	assert.Equal(t, "PR", announced[0].Title)
	assert.Equal(t, []int{120}, n.timeouts)

	recs, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	kinds := map[messagelog.Kind]string{}
	for _, r := range recs {
		kinds[r.Kind] = r.Content
	}
	assert.Equal(t, "Review diff", kinds[messagelog.KindSystem])
	assert.Equal(t, "LGTM", kinds[messagelog.KindUser])
}

func TestResolve_FirstWriterWins(t *testing.T) {
	b, _, store := newTestBroker(t)
	ctx := context.Background()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_2", Message: "m"})
	waitCurrent(t, b, "review_2")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for _, text := range []string{"first", "second", "third", "fourth"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if b.Resolve(ctx, "review_2", text, nil) {
				wins.Add(1)
			}
		}(text)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	res := <-done
	require.NoError(t, res.err)

	recs, err := store.Recent(ctx, 0)
	require.NoError(t, err)
	users := 0
	for _, r := range recs {
		if r.Kind == messagelog.KindUser {
			users++
			assert.Equal(t, res.reply.Text, r.Content)
		}
	}
	assert.Equal(t, 1, users)
}

func TestResolve_MismatchedTriggerIgnored(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_3"})
	waitCurrent(t, b, "review_3")

	assert.False(t, b.Resolve(ctx, "review_other", "nope", nil))
	select {
	case <-done:
		t.Fatal("submit returned on mismatched resolve")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, b.Resolve(ctx, "review_3", "", nil))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "", res.reply.Text)
}

func TestResolve_NoCurrentRequest(t *testing.T) {
	b, _, _ := newTestBroker(t)
	assert.False(t, b.Resolve(context.Background(), "review_none", "hi", nil))
}

func TestSubmit_ContextCancelled(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_4"})
	waitCurrent(t, b, "review_4")
	cancel()

	res := <-done
	require.Error(t, res.err)
	assert.True(t, pkgerrors.Is(res.err, pkgerrors.ErrCancelled))
	assert.ErrorIs(t, res.err, context.Canceled)

	_, ok := b.Current()
	assert.False(t, ok)
	assert.False(t, b.Resolve(context.Background(), "review_4", "late", nil))
}

func TestSubmit_DuplicateTrigger(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_5"})
	waitCurrent(t, b, "review_5")

	_, err := b.Submit(ctx, SubmitRequest{TriggerID: "review_5"})
	require.Error(t, err)
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrDuplicateTrigger))

	require.True(t, b.Resolve(ctx, "review_5", "ok", nil))
	require.NoError(t, (<-done).err)
}

func TestSubmit_EmptyTriggerRejected(t *testing.T) {
	b, _, _ := newTestBroker(t)
	_, err := b.Submit(context.Background(), SubmitRequest{})
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInvalidArg))
}

func TestCancelAndTimeoutAreAdvisory(t *testing.T) {
	b, n, _ := newTestBroker(t)
	ctx := context.Background()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_6"})
	waitCurrent(t, b, "review_6")

	b.Cancel(ctx, "review_6")
	b.NotifyTimeout(ctx, "review_6")

	select {
	case <-done:
		t.Fatal("advisory notice must not unblock submit")
	case <-time.After(50 * time.Millisecond):
	}
	_, _, notices := n.snapshot()
	assert.Equal(t, []NoticeKind{NoticeCancel, NoticeTimeout}, notices)

	require.True(t, b.Resolve(ctx, "review_6", "done", nil))
	require.NoError(t, (<-done).err)
}

func TestCancelAll(t *testing.T) {
	b, _, _ := newTestBroker(t)
	done := submitAsync(context.Background(), b, SubmitRequest{TriggerID: "review_7"})
	waitCurrent(t, b, "review_7")

	b.CancelAll()
	res := <-done
	assert.True(t, pkgerrors.Is(res.err, pkgerrors.ErrCancelled))
	assert.Equal(t, 0, b.Tracked())
}

func TestNewerRequestBecomesCurrent(t *testing.T) {
	b, _, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_a"})
	waitCurrent(t, b, "review_a")
	second := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_b"})
	waitCurrent(t, b, "review_b")

	// 只有当前请求可被完成
	assert.False(t, b.Resolve(ctx, "review_a", "x", nil))
	assert.True(t, b.Resolve(ctx, "review_b", "y", nil))
	require.NoError(t, (<-second).err)

	cancel()
	assert.Error(t, (<-first).err)
}

func TestShouldBroadcastCountdown(t *testing.T) {
	cases := map[int]bool{
		300: true, 299: false, 290: true, 45: false, 40: true,
		31: false, 30: true, 29: true, 1: true, 0: true,
	}
	for remaining, want := range cases {
		assert.Equal(t, want, ShouldBroadcastCountdown(remaining), remaining)
	}
}

func TestCountdownBroadcasts(t *testing.T) {
	b, n, _ := newTestBroker(t, WithTickInterval(2*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := submitAsync(ctx, b, SubmitRequest{TriggerID: "review_8", DisplayTimeout: 35})
	waitCurrent(t, b, "review_8")

	require.Eventually(t, func() bool {
		_, _, notices := n.snapshot()
		return len(notices) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, countdowns, notices := n.snapshot()
	// 34..31 不广播，30..0 共 31 次
	require.Len(t, countdowns, 31)
	assert.Equal(t, countdownEvent{30, 35}, countdowns[0])
	assert.Equal(t, countdownEvent{0, 35}, countdowns[30])
	assert.Equal(t, []NoticeKind{NoticeTimeout}, notices)

	// 倒计时结束不影响等待
	select {
	case <-done:
		t.Fatal("countdown expiry must not unblock submit")
	default:
	}
	require.True(t, b.Resolve(ctx, "review_8", "late but fine", nil))
	require.NoError(t, (<-done).err)
}
