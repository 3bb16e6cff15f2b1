package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/pkg/models"
	"chatsync/pkg/reconcile"
)

func TestParseTailInput(t *testing.T) {
	tests := []struct {
		line string
		want tailCommand
		err  bool
	}{
		{"hello there", tailCommand{action: actSend, text: "hello there"}, false},
		{"/edit 12 fixed typo", tailCommand{action: actEdit, id: 12, text: "fixed typo"}, false},
		{"/edit #12 x", tailCommand{action: actEdit, id: 12, text: "x"}, false},
		{"/edit 12", tailCommand{}, true},
		{"/edit abc text", tailCommand{}, true},
		{"/delete 7", tailCommand{action: actDelete, id: 7}, false},
		{"/delete -1", tailCommand{}, true},
		{"/older", tailCommand{action: actOlder}, false},
		{"/refresh", tailCommand{action: actRefresh}, false},
		{"/retry ~k-1", tailCommand{action: actRetry, key: "k-1"}, false},
		{"/discard k-2", tailCommand{action: actDiscard, key: "k-2"}, false},
		{"/retry", tailCommand{}, true},
		{"/show", tailCommand{action: actShow}, false},
		{"/help", tailCommand{action: actHelp}, false},
		{"/quit", tailCommand{action: actQuit}, false},
		{"/frobnicate", tailCommand{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseTailInput(tt.line)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseTailInput("   ")
	assert.ErrorIs(t, err, errEmptyInput)
}

func TestParseWindow(t *testing.T) {
	d, err := parseWindow("10m")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)

	_, err = parseWindow("1h")
	assert.Error(t, err)
}

func TestRenderUsers(t *testing.T) {
	var buf bytes.Buffer
	renderUsers(&buf, []models.User{
		{UserID: "bob", Name: "Bob", MessageCount: 1200, IsActive: true, StatusMessage: "lunch"},
		{UserID: "carol", Name: "Carol", MessageCount: 3, IsRead: true},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "UNREAD")
	assert.Contains(t, lines[1], "1,200")
	assert.Contains(t, lines[1], "lunch")
	assert.Regexp(t, `carol\s+Carol\s+no\s+-`, lines[2])
}

func TestRenderMessage(t *testing.T) {
	ts := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	var buf bytes.Buffer
	renderMessage(&buf, "me", models.Message{ID: 5, SenderID: "bob", Content: "hi", Timestamp: ts})
	renderMessage(&buf, "me", models.Message{ClientKey: "k1", SenderID: "me", Content: "yo", Status: models.StatusPending, Timestamp: ts})
	renderMessage(&buf, "me", models.Message{ClientKey: "k2", SenderID: "me", AttachmentRef: "gif:1", Status: models.StatusFailed, Error: "network", Timestamp: ts})

	assert.Equal(t,
		"#5 2024-05-01 09:00 bob: hi\n"+
			"~k1 2024-05-01 09:00 me: yo  (sending)\n"+
			"~k2 2024-05-01 09:00 me: [gif:1]  (failed: network)\n",
		buf.String())
}

func TestTailViewPrintsChanges(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)
	msg := func(id int64, content string, at int) models.Message {
		return models.Message{ID: id, SenderID: "bob", ReceiverID: "me", Content: content,
			Timestamp: base.Add(time.Duration(at) * time.Minute), Status: models.StatusConfirmed}
	}
	var buf bytes.Buffer
	v := newTailView(&buf, "me")

	v.update(reconcile.Snapshot{PeerID: "bob", Generation: 1, State: reconcile.StateLoading})
	v.update(reconcile.Snapshot{
		PeerID: "bob", Generation: 1, State: reconcile.StateReady, HasMoreOlder: true,
		Messages:     []models.Message{msg(2, "two", 2), msg(3, "three", 3)},
		OldestLoaded: base.Add(2 * time.Minute),
		Presence:     models.Presence{PeerID: "bob", Active: true},
	})
	out := buf.String()
	assert.Contains(t, out, "== bob\n")
	assert.Contains(t, out, "-- bob is online\n")
	assert.Contains(t, out, "#2 2024-05-01 09:02 bob: two\n")
	assert.Contains(t, out, "-- 2 messages, /older for more\n")

	buf.Reset()
	v.update(reconcile.Snapshot{
		PeerID: "bob", Generation: 1, State: reconcile.StateReady,
		Messages:     []models.Message{msg(1, "one", 1), msg(2, "two", 2), msg(3, "3!", 3)},
		OldestLoaded: base.Add(time.Minute),
		Presence:     models.Presence{PeerID: "bob", Active: true},
	})
	assert.Equal(t,
		"edited #3 2024-05-01 09:03 bob: 3!\n"+
			"-- 1 older messages\n"+
			"#1 2024-05-01 09:01 bob: one\n",
		buf.String())

	buf.Reset()
	v.update(reconcile.Snapshot{
		PeerID: "bob", Generation: 1, State: reconcile.StateReady,
		Messages:     []models.Message{msg(1, "one", 1), msg(3, "3!", 3)},
		OldestLoaded: base.Add(time.Minute),
		Presence:     models.Presence{PeerID: "bob", Active: true},
		Pending:      []models.PendingOperation{{Token: "k9", Kind: models.OpSend, State: models.OpFailed, Err: "network"}},
		LastError:    errors.New("load older: network"),
	})
	assert.Equal(t,
		"#2 deleted\n"+
			"! send failed: network (/retry k9 or /discard k9)\n"+
			"! load older: network\n",
		buf.String())

	// unchanged snapshots print nothing
	buf.Reset()
	v.update(reconcile.Snapshot{
		PeerID: "bob", Generation: 1, State: reconcile.StateReady,
		Messages:     []models.Message{msg(1, "one", 1), msg(3, "3!", 3)},
		OldestLoaded: base.Add(time.Minute),
		Presence:     models.Presence{PeerID: "bob", Active: true},
		Pending:      []models.PendingOperation{{Token: "k9", Kind: models.OpSend, State: models.OpFailed, Err: "network"}},
		LastError:    errors.New("load older: network"),
	})
	assert.Empty(t, buf.String())

	// a new generation starts over
	v.update(reconcile.Snapshot{PeerID: "carol", Generation: 2, State: reconcile.StateLoading})
	assert.Equal(t, "== carol\n", buf.String())
}

type fakeConversation struct {
	calls []string
	err   error
}

func (f *fakeConversation) Send(content, attachment string) (models.Message, error) {
	f.calls = append(f.calls, "send "+content)
	return models.Message{}, f.err
}

func (f *fakeConversation) Edit(_ context.Context, id int64, content string) error {
	f.calls = append(f.calls, "edit "+content)
	return f.err
}

func (f *fakeConversation) Delete(context.Context, int64) error {
	f.calls = append(f.calls, "delete")
	return f.err
}

func (f *fakeConversation) LoadOlder() error { f.calls = append(f.calls, "older"); return f.err }
func (f *fakeConversation) Refresh() error   { f.calls = append(f.calls, "refresh"); return f.err }

func (f *fakeConversation) Retry(key string) error {
	f.calls = append(f.calls, "retry "+key)
	return f.err
}

func (f *fakeConversation) Discard(key string) error {
	f.calls = append(f.calls, "discard "+key)
	return f.err
}

func (f *fakeConversation) Snapshot() reconcile.Snapshot {
	return reconcile.Snapshot{PeerID: "bob", State: reconcile.StateReady}
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	f := &fakeConversation{}
	var out bytes.Buffer

	for _, line := range []string{"hi", "/edit 3 new", "/delete 3", "/older", "/refresh", "/retry k", "/discard k", ""} {
		quit, err := dispatch(ctx, f, &out, "me", line)
		require.NoError(t, err, line)
		assert.False(t, quit)
	}
	assert.Equal(t, []string{"send hi", "edit new", "delete", "older", "refresh", "retry k", "discard k"}, f.calls)

	_, err := dispatch(ctx, f, &out, "me", "/show")
	require.NoError(t, err)
	assert.Contains(t, out.String(), "== bob (offline) | ready | 0 messages")

	quit, err := dispatch(ctx, f, &out, "me", "/quit")
	require.NoError(t, err)
	assert.True(t, quit)

	_, err = dispatch(ctx, f, &out, "me", "/bogus")
	assert.Error(t, err)

	f.err = reconcile.ErrNoConversation
	_, err = dispatch(ctx, f, &out, "me", "hi")
	assert.ErrorIs(t, err, reconcile.ErrNoConversation)
}
