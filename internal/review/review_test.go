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

package review

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"review-gate/internal/broker"
	"review-gate/internal/fallback"
	"review-gate/internal/messagelog"
	"review-gate/internal/settings"
	pkgerrors "review-gate/pkg/errors"
)

type fakeSubmitter struct {
	got   broker.SubmitRequest
	reply *broker.Reply
	err   error
}

func (f *fakeSubmitter) Submit(ctx context.Context, req broker.SubmitRequest) (*broker.Reply, error) {
	f.got = req
	return f.reply, f.err
}

type fakeSessions int

func (f fakeSessions) Count() int { return int(f) }

type fakeFallback struct {
	called bool
	got    fallback.Request
	res    *fallback.Result
	err    error
	// triggerErr 模拟触发文件写入失败
	triggerErr error
}

func (f *fakeFallback) Run(ctx context.Context, req fallback.Request) (*fallback.Result, error) {
	f.called = true
	f.got = req
	if f.triggerErr != nil {
		return nil, f.triggerErr
	}
	if req.OnTriggered != nil {
		req.OnTriggered()
	}
	return f.res, f.err
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newService(sub Submitter, sessions int, fb Fallback, st settings.Settings, messages messagelog.Store) *Service {
	s := New(sub, fakeSessions(sessions), fb, settings.NewMemoryStore(st), messages, testLogger())
	s.SetWebRunning(true)
	return s
}

func TestRequestReview_GatewayPath(t *testing.T) {
	st := settings.Defaults()
	st.Timeout = 120
	sub := &fakeSubmitter{reply: &broker.Reply{
		Text: "approved",
		Attachments: []messagelog.Attachment{
			{FileName: "shot.png", MimeType: "image/png", Base64Data: "iVBOR"},
			{FileName: "notes.txt", MimeType: "text/plain", Base64Data: "bm90ZXM="},
		},
	}}
	fb := &fakeFallback{}
	svc := newService(sub, 1, fb, st, nil)

	res, err := svc.RequestReview(context.Background(), Args{TriggerID: "review_1", Message: "check diff"})
	require.NoError(t, err)
	assert.False(t, fb.called)
	assert.Equal(t, ChannelGateway, res.Channel)
	assert.Equal(t, "review_1", res.TriggerID)
	require.Len(t, res.Content, 2)
	assert.Equal(t, Content{Type: "text", Text: "User Response: approved"}, res.Content[0])
	assert.Equal(t, Content{Type: "image", Data: "iVBOR", MimeType: "image/png"}, res.Content[1])

	assert.Equal(t, 120, sub.got.DisplayTimeout)
	assert.Equal(t, "check diff", sub.got.Message)
	assert.Equal(t, DefaultTitle, sub.got.Title)
}

func TestRequestReview_GatewayCancelledIsTimeout(t *testing.T) {
	sub := &fakeSubmitter{err: pkgerrors.Wrap(pkgerrors.ErrCancelled, "aborted")}
	svc := newService(sub, 2, &fakeFallback{}, settings.Defaults(), nil)

	res, err := svc.RequestReview(context.Background(), Args{})
	require.NoError(t, err)
	assert.Equal(t, TimeoutText, res.Text())
	assert.False(t, res.IsError)
}

func TestChannelSelection(t *testing.T) {
	webOff := settings.Defaults()
	webOff.UseWebInterface = false

	tests := []struct {
		name     string
		sessions int
		running  bool
		st       settings.Settings
		want     string
	}{
		{name: "sessions and web running", sessions: 1, running: true, st: settings.Defaults(), want: ChannelGateway},
		{name: "no sessions", sessions: 0, running: true, st: settings.Defaults(), want: ChannelFallback},
		{name: "web server down", sessions: 3, running: false, st: settings.Defaults(), want: ChannelFallback},
		{name: "web interface disabled", sessions: 3, running: true, st: webOff, want: ChannelFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newService(&fakeSubmitter{}, tt.sessions, &fakeFallback{}, tt.st, nil)
			svc.SetWebRunning(tt.running)
			assert.Equal(t, tt.want, svc.Channel(context.Background()))
		})
	}
}

func TestRequestReview_FallbackPathLogsRecords(t *testing.T) {
	messages := messagelog.NewMemoryStore()
	fb := &fakeFallback{res: &fallback.Result{Text: "looks good", Attachments: []messagelog.Attachment{}, Plain: true}}
	svc := newService(&fakeSubmitter{}, 0, fb, settings.Defaults(), messages)

	res, err := svc.RequestReview(context.Background(), Args{TriggerID: "review_9", Message: "ok?", Context: "ctx", Urgent: true})
	require.NoError(t, err)
	assert.Equal(t, ChannelFallback, res.Channel)
	assert.Equal(t, "User Response: looks good", res.Text())
	assert.Equal(t, "review_9", fb.got.TriggerID)
	assert.Equal(t, "ok?", fb.got.Message)
	assert.Equal(t, DefaultTitle, fb.got.Title)
	assert.Equal(t, "ctx", fb.got.Context)
	assert.True(t, fb.got.Urgent)

	recs, err := messages.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	kinds := map[messagelog.Kind]string{}
	for _, r := range recs {
		kinds[r.Kind] = r.Content
	}
	assert.Equal(t, "ok?", kinds[messagelog.KindSystem])
	assert.Equal(t, "looks good", kinds[messagelog.KindPlain])
}

func TestRequestReview_FallbackTriggerFailure(t *testing.T) {
	messages := messagelog.NewMemoryStore()
	fb := &fakeFallback{triggerErr: pkgerrors.Wrap(pkgerrors.ErrUnavailable, "write trigger file")}
	svc := newService(&fakeSubmitter{}, 0, fb, settings.Defaults(), messages)

	res, err := svc.RequestReview(context.Background(), Args{TriggerID: "review_10", Message: "ok?"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, TriggerFailedText, res.Text())

	recs, err := messages.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRequestReview_FallbackCancelledIsTimeout(t *testing.T) {
	fb := &fakeFallback{err: pkgerrors.Wrap(pkgerrors.ErrCancelled, "wait input")}
	svc := newService(&fakeSubmitter{}, 0, fb, settings.Defaults(), nil)

	res, err := svc.RequestReview(context.Background(), Args{})
	require.NoError(t, err)
	assert.Equal(t, TimeoutText, res.Text())
}

func TestCallTool_UnknownTool(t *testing.T) {
	svc := newService(&fakeSubmitter{}, 0, &fakeFallback{}, settings.Defaults(), nil)

	res := svc.CallTool(context.Background(), "delete_everything", nil)
	assert.True(t, res.IsError)
	assert.Equal(t, "ERROR: Tool delete_everything failed: unknown tool: delete_everything", res.Text())
}

func TestCallTool_ErrorBecomesResult(t *testing.T) {
	sub := &fakeSubmitter{err: pkgerrors.Wrap(pkgerrors.ErrDuplicateTrigger, "submit review_1")}
	svc := newService(sub, 1, &fakeFallback{}, settings.Defaults(), nil)

	res := svc.CallTool(context.Background(), ToolName, map[string]any{"trigger_id": "review_1"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "ERROR: Tool review_gate_chat failed: ")
	assert.Contains(t, res.Text(), "duplicate trigger id")
}

func TestArgsFromMapDefaults(t *testing.T) {
	a := ArgsFromMap(map[string]any{"message": "m", "urgent": "TRUE", "title": 42})
	assert.Equal(t, "m", a.Message)
	assert.True(t, a.Urgent)
	assert.Empty(t, a.Title)

	svc := newService(&fakeSubmitter{}, 0, &fakeFallback{res: &fallback.Result{Text: "x"}}, settings.Defaults(), nil)
	res, err := svc.RequestReview(context.Background(), Args{})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^review_\d+$`), res.TriggerID)
}

func TestEinoTool(t *testing.T) {
	fb := &fakeFallback{res: &fallback.Result{Text: "fine"}}
	svc := newService(&fakeSubmitter{}, 0, fb, settings.Defaults(), nil)
	tl := NewEinoTool(svc)

	info, err := tl.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ToolName, info.Name)
	js, err := info.ParamsOneOf.ToJSONSchema()
	require.NoError(t, err)
	title, ok := js.Properties.Get("title")
	require.True(t, ok)
	assert.Equal(t, DefaultTitle, title.Default)
	urgent, ok := js.Properties.Get("urgent")
	require.True(t, ok)
	assert.Equal(t, "boolean", urgent.Type)

	out, err := tl.InvokableRun(context.Background(), `{"message":"please review","urgent":true}`)
	require.NoError(t, err)
	assert.Equal(t, "User Response: fine", out)
	assert.Equal(t, "please review", fb.got.Message)
	assert.True(t, fb.got.Urgent)

	_, err = tl.InvokableRun(context.Background(), `not json`)
	assert.Error(t, err)
}
