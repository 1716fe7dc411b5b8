// SPDX-License-Identifier: MIT

package intervention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hive/internal/params"
	"github.com/hivemesh/hive/internal/proto"
)

type fakeController struct {
	mu          sync.Mutex
	interactive bool
	setCalls    []bool
}

func (c *fakeController) Screenshot(context.Context) (string, error) {
	return "/tmp/shot.png", nil
}

func (c *fakeController) CurrentURL(context.Context) (string, error) {
	return "https://example.com/login", nil
}

func (c *fakeController) DOMContext(context.Context) (params.Map, error) {
	return params.Map{"title": params.String("Login")}, nil
}

func (c *fakeController) SetInteractive(_ context.Context, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interactive = enabled
	c.setCalls = append(c.setCalls, enabled)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []*proto.CommandPayload
}

func (e *fakeExecutor) Execute(_ context.Context, cmd *proto.CommandPayload) (params.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, cmd)
	return params.String("ok"), nil
}

func (e *fakeExecutor) commands() []*proto.CommandPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*proto.CommandPayload(nil), e.executed...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []proto.OperatorNotice
}

func (n *fakeNotifier) Notify(_ context.Context, notice proto.OperatorNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func testManager(t *testing.T) (*Manager, *fakeController, *fakeExecutor, *fakeNotifier) {
	t.Helper()
	ctrl := &fakeController{}
	exec := &fakeExecutor{}
	notif := &fakeNotifier{}
	m := NewManager(Config{
		AttachScreenshot: true,
		WindowTTL:        time.Minute,
		StepTTL:          30 * time.Second,
	}, ctrl, exec, notif)
	return m, ctrl, exec, notif
}

func parentCommand() *proto.CommandPayload {
	return &proto.CommandPayload{
		CommandID:  "c1",
		Type:       "navigate",
		Parameters: params.Map{"url": params.String("https://example.com")},
	}
}

func stepCommand(kind string, extra params.Map) *proto.CommandPayload {
	p := params.Map{
		"mode":            params.String("Intervention"),
		"parentCommandId": params.String("c1"),
	}
	for k, v := range extra {
		p[k] = v
	}
	return &proto.CommandPayload{CommandID: "s1", Type: kind, Parameters: p}
}

func TestInitiateOpensSingleSession(t *testing.T) {
	m, ctrl, _, notif := testManager(t)
	ctx := context.Background()

	ic, err := m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.NoError(t, err)
	require.NotNil(t, ic)
	assert.Equal(t, "c1", ic.ParentCommandID)
	assert.Equal(t, "c1_replay", ic.ReplayableAction.CommandID)
	assert.Equal(t, "/tmp/shot.png", ic.ScreenshotPath)
	assert.Equal(t, "https://example.com/login", ic.URL)
	assert.True(t, ctrl.interactive)
	require.Len(t, notif.notices, 1)
	assert.Equal(t, "captcha", notif.notices[0].Reason)

	_, err = m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.ErrorIs(t, err, ErrActive)
	require.NotNil(t, m.Current())
}

func TestReplayableActionDeepCopy(t *testing.T) {
	m, _, _, _ := testManager(t)
	parent := parentCommand()
	ic, err := m.Initiate(context.Background(), "captcha", "d1", parent)
	require.NoError(t, err)

	// Mutating the parent's parameters must not leak into the replay clone.
	parent.Parameters["url"] = params.String("https://tampered.example")

	want := parentCommand()
	want.CommandID = "c1_replay"
	if diff := cmp.Diff(want, ic.ReplayableAction); diff != "" {
		t.Fatalf("replayable action mismatch (-want +got):\n%s", diff)
	}
}

func TestHandleCommandWhitelist(t *testing.T) {
	m, _, exec, _ := testManager(t)
	ctx := context.Background()
	_, err := m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.NoError(t, err)

	cases := []struct {
		name    string
		cmd     *proto.CommandPayload
		allowed bool
	}{
		{"click", stepCommand("Click", nil), true},
		{"navigate", stepCommand("Navigate", nil), true},
		{"wait_for_element", stepCommand("WaitForElement", nil), true},
		{"script_safe", stepCommand("ExecuteScript", params.Map{"safe": params.Bool(true)}), true},
		{"script_unsafe", stepCommand("ExecuteScript", params.Map{"safe": params.Bool(false)}), false},
		{"cookies_import", stepCommand("ManageCookies", params.Map{"action": params.String("Import")}), true},
		{"cookies_clear", stepCommand("ManageCookies", params.Map{"action": params.String("Clear")}), false},
		{"scroll_fragment", stepCommand("SmoothScrollDown", nil), true},
		{"mousemove_fragment", stepCommand("HumanMouseMove", nil), true},
		{"arbitrary", stepCommand("DownloadFile", nil), false},
		{"wrong_mode", &proto.CommandPayload{Type: "Click", Parameters: params.Map{
			"mode":            params.String("normal"),
			"parentCommandId": params.String("c1"),
		}}, false},
		{"wrong_parent", &proto.CommandPayload{Type: "Click", Parameters: params.Map{
			"mode":            params.String("intervention"),
			"parentCommandId": params.String("other"),
		}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.HandleCommand(ctx, tc.cmd)
			if tc.allowed {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidCommand)
			}
		})
	}

	// Only accepted steps were recorded and forwarded.
	ic := m.Current()
	require.NotNil(t, ic)
	assert.Len(t, exec.commands(), 7)
	assert.Len(t, ic.Steps, 7)
}

func TestHandleCommandWhenIdle(t *testing.T) {
	m, _, _, _ := testManager(t)
	_, err := m.HandleCommand(context.Background(), stepCommand("Click", nil))
	require.ErrorIs(t, err, ErrNotActive)
}

func TestResumeReplaysAndCloses(t *testing.T) {
	m, ctrl, exec, _ := testManager(t)
	ctx := context.Background()
	_, err := m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.NoError(t, err)

	res, err := m.Resume(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, "c1", res.ParentCommandID)
	assert.GreaterOrEqual(t, res.Duration, time.Duration(0))
	assert.Nil(t, m.Current())
	assert.False(t, ctrl.interactive)

	cmds := exec.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "c1_replay", cmds[0].CommandID)

	_, err = m.Resume(ctx, nil)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestResumeWithActionOverride(t *testing.T) {
	m, _, exec, _ := testManager(t)
	ctx := context.Background()
	_, err := m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.NoError(t, err)

	override := &proto.CommandPayload{CommandID: "manual-1", Type: "Navigate"}
	_, err = m.Resume(ctx, &ResumeOptions{ActionOverride: override})
	require.NoError(t, err)

	cmds := exec.commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "manual-1", cmds[0].CommandID)
}

func TestWindowTimeoutClosesSession(t *testing.T) {
	ctrl := &fakeController{}
	exec := &fakeExecutor{}
	m := NewManager(Config{WindowTTL: 30 * time.Millisecond, StepTTL: time.Minute}, ctrl, exec, nil)

	_, err := m.Initiate(context.Background(), "captcha", "d1", parentCommand())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Current() == nil }, time.Second, 10*time.Millisecond)
	// Replay does not run on timeout.
	assert.Empty(t, exec.commands())
}

func TestStepTimeoutClosesIdleSession(t *testing.T) {
	ctrl := &fakeController{}
	exec := &fakeExecutor{}
	m := NewManager(Config{WindowTTL: time.Minute, StepTTL: 30 * time.Millisecond}, ctrl, exec, nil)

	_, err := m.Initiate(context.Background(), "captcha", "d1", parentCommand())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Current() == nil }, time.Second, 10*time.Millisecond)
}

func TestStepResetsStepTimer(t *testing.T) {
	ctrl := &fakeController{}
	exec := &fakeExecutor{}
	m := NewManager(Config{WindowTTL: time.Minute, StepTTL: 80 * time.Millisecond}, ctrl, exec, nil)

	ctx := context.Background()
	_, err := m.Initiate(ctx, "captcha", "d1", parentCommand())
	require.NoError(t, err)

	// Keep stepping under the TTL; the session must stay open well past a
	// single step window.
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := m.HandleCommand(ctx, stepCommand("Click", nil))
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}
	require.NotNil(t, m.Current())

	_, err = m.Resume(ctx, nil)
	require.NoError(t, err)
}
