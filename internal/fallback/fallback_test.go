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

package fallback

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "review-gate/pkg/errors"
)

func newTestChannel(t *testing.T, ackTimeout time.Duration) *Channel {
	t.Helper()
	return New(Options{
		Dir:          t.TempDir(),
		BackupCount:  DefaultBackupCount,
		AckTimeout:   ackTimeout,
		PollInterval: 10 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// waitFor 在 goroutine 中轮询条件，超时返回 false
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestRun_AckThenStructuredReply(t *testing.T) {
	c := newTestChannel(t, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		if !waitFor(func() bool { return exists(c.TriggerPath()) }) {
			return
		}
		id, err := ReadTrigger(c.Dir())
		if err != nil || id != "review_1" {
			return
		}
		_ = WriteAck(c.Dir(), id, true)
		_ = WriteResponse(c.Dir(), id, "  looks good  ")
	}()

	res, err := c.Run(ctx, Request{TriggerID: "review_1", Message: "check", Title: "Review Gate V2"})
	require.NoError(t, err)
	assert.Equal(t, "looks good", res.Text)
	assert.False(t, res.Plain)
	assert.Empty(t, res.Attachments)

	assert.False(t, exists(c.TriggerPath()))
	for i := 0; i < DefaultBackupCount; i++ {
		assert.False(t, exists(c.BackupTriggerPath(i)))
	}
	assert.False(t, exists(c.AckPath("review_1")))
	assert.False(t, exists(c.ResponsePaths("review_1")[0]))
	assert.Equal(t, StateIdle, c.State("review_1"))
}

func TestTrigger_FileLayout(t *testing.T) {
	c := newTestChannel(t, time.Second)
	require.NoError(t, c.Trigger(Request{TriggerID: "review_7", Message: "m", Title: "t", Context: "ctx", Urgent: true}))
	assert.Equal(t, StateTriggered, c.State("review_7"))

	body, err := os.ReadFile(c.TriggerPath())
	require.NoError(t, err)
	var primary map[string]any
	require.NoError(t, json.Unmarshal(body, &primary))
	assert.Equal(t, "review-gate-v2", primary["system"])
	assert.Equal(t, "cursor", primary["editor"])
	assert.Equal(t, true, primary["mcp_integration"])
	data := primary["data"].(map[string]any)
	assert.Equal(t, "review_gate_chat", data["tool"])
	assert.Equal(t, "review_7", data["trigger_id"])
	assert.Equal(t, "ctx", data["context"])
	assert.Equal(t, true, data["urgent"])

	for i := 0; i < DefaultBackupCount; i++ {
		body, err := os.ReadFile(c.BackupTriggerPath(i))
		require.NoError(t, err)
		var backup map[string]any
		require.NoError(t, json.Unmarshal(body, &backup))
		assert.EqualValues(t, i, backup["backup_id"])
	}
}

func TestRun_AckTimeoutStillWaitsForInput(t *testing.T) {
	c := newTestChannel(t, 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		waitFor(func() bool { return exists(c.TriggerPath()) })
		time.Sleep(100 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(c.Dir(), "review_gate_response.json"), []byte("ship it\n"), 0o644)
	}()

	res, err := c.Run(ctx, Request{TriggerID: "review_2"})
	require.NoError(t, err)
	assert.Equal(t, "ship it", res.Text)
	assert.True(t, res.Plain)
}

func TestWaitAck_FalseKeepsWaitingUntilTimeout(t *testing.T) {
	c := newTestChannel(t, 100*time.Millisecond)
	require.NoError(t, WriteAck(c.Dir(), "review_3", false))

	acked, err := c.WaitAck(context.Background(), "review_3")
	require.NoError(t, err)
	assert.False(t, acked)
	assert.False(t, exists(c.AckPath("review_3")), "ack file is consumed on sight")
}

func TestWaitInput_MismatchedTriggerIgnored(t *testing.T) {
	c := newTestChannel(t, time.Second)
	generic := filepath.Join(c.Dir(), "review_gate_response.json")
	require.NoError(t, os.WriteFile(generic, []byte(`{"trigger_id":"review_other","user_input":"not mine"}`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(filepath.Join(c.Dir(), "mcp_response.json"), []byte(`{"response":"mine"}`), 0o644)
	}()

	res, err := c.WaitInput(ctx, "review_4")
	require.NoError(t, err)
	assert.Equal(t, "mine", res.Text)
	assert.True(t, exists(generic), "mismatched reply must stay in place")
}

func TestWaitInput_EmptyReplyConsumed(t *testing.T) {
	c := newTestChannel(t, time.Second)
	first := c.ResponsePaths("review_5")[0]
	require.NoError(t, os.WriteFile(first, []byte(`{"user_input":"   "}`), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() {
		waitFor(func() bool { return !exists(first) })
		_ = WriteResponse(c.Dir(), "review_5", "second try")
	}()

	res, err := c.WaitInput(ctx, "review_5")
	require.NoError(t, err)
	assert.Equal(t, "second try", res.Text)
}

func TestWaitInput_ContextCancelled(t *testing.T) {
	c := newTestChannel(t, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitInput(ctx, "review_6")
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrCancelled))
}

func TestRun_EmptyTriggerID(t *testing.T) {
	c := newTestChannel(t, time.Second)
	_, err := c.Run(context.Background(), Request{})
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrInvalidArg))
}

func TestRemoveTriggers_KeepsNewerRequest(t *testing.T) {
	c := newTestChannel(t, time.Second)
	require.NoError(t, c.Trigger(Request{TriggerID: "review_old"}))
	require.NoError(t, c.Trigger(Request{TriggerID: "review_new"}))

	c.removeTriggers("review_old")
	id, err := ReadTrigger(c.Dir())
	require.NoError(t, err)
	assert.Equal(t, "review_new", id)
}

func TestCleanup_Idempotent(t *testing.T) {
	c := newTestChannel(t, time.Second)
	require.NoError(t, c.Trigger(Request{TriggerID: "review_8"}))
	require.NoError(t, WriteAck(c.Dir(), "review_8", true))
	require.NoError(t, WriteResponse(c.Dir(), "review_8", "late"))

	require.NoError(t, c.Cleanup())
	assert.False(t, exists(c.TriggerPath()))
	assert.False(t, exists(c.AckPath("review_8")))
	assert.False(t, exists(c.ResponsePaths("review_8")[0]))

	require.NoError(t, c.Cleanup())
}

func TestOptionsDefaults(t *testing.T) {
	c := New(Options{}, nil)
	assert.Equal(t, DefaultDir(), c.Dir())
	assert.Equal(t, DefaultAckTimeout, c.opts.AckTimeout)
	assert.Equal(t, DefaultPollInterval, c.opts.PollInterval)
	assert.Equal(t, DefaultRetryInterval, c.opts.RetryInterval)
}

func TestRun_OnTriggeredOnlyAfterTriggerWritten(t *testing.T) {
	c := newTestChannel(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := c.Run(ctx, Request{TriggerID: "review_8", OnTriggered: func() { calls++ }})
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrCancelled))
	assert.Equal(t, 1, calls)

	// 目录位置被普通文件占用，触发文件写不进去
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	broken := New(Options{Dir: filepath.Join(blocker, "sub"), PollInterval: 10 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	calls = 0
	_, err = broken.Run(context.Background(), Request{TriggerID: "review_9", OnTriggered: func() { calls++ }})
	assert.True(t, pkgerrors.Is(err, pkgerrors.ErrUnavailable))
	assert.Zero(t, calls)
}
