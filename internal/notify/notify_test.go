package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/vahti/types"
)

// mockNotifier implements Notifier for testing.
type mockNotifier struct {
	notifyCalls int
	closeCalls  int
	notifyErr   error
	closeErr    error
	violations  []types.Violation
}

func (m *mockNotifier) Notify(_ context.Context, v types.Violation) error {
	m.notifyCalls++
	m.violations = append(m.violations, v)
	return m.notifyErr
}

func (m *mockNotifier) Close() error {
	m.closeCalls++
	return m.closeErr
}

// mockSlack records posted channels
type mockSlack struct {
	channels []string
	err      error
}

func (m *mockSlack) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	m.channels = append(m.channels, channelID)
	return channelID, "1700000000.000100", m.err
}

// mockDiscord records sent messages
type mockDiscord struct {
	channelID string
	content   string
	err       error
}

func (m *mockDiscord) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.channelID = channelID
	m.content = content
	if m.err != nil {
		return nil, m.err
	}
	return &discordgo.Message{ChannelID: channelID, Content: content}, nil
}

func violation() types.Violation {
	return types.Violation{
		GroupID:     "grp_1",
		UserID:      "usr_1",
		DisplayName: "Spammer",
		Action:      types.ActionAutoBlock,
		Reason:      `Keyword: "spam"`,
		RuleName:    "No spam",
		Module:      types.ModuleLiveCheck,
		Banned:      true,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMulti_Notify(t *testing.T) {
	n1 := &mockNotifier{}
	n2 := &mockNotifier{}
	multi := NewMulti(n1, n2)

	err := multi.Notify(context.Background(), violation())

	require.NoError(t, err)
	assert.Equal(t, 1, n1.notifyCalls)
	assert.Equal(t, 1, n2.notifyCalls)
	assert.Equal(t, 2, multi.Len())
}

func TestMulti_NotifyTriesEveryBackend(t *testing.T) {
	n1 := &mockNotifier{notifyErr: errors.New("slack down")}
	n2 := &mockNotifier{}
	multi := NewMulti(n1, n2)

	err := multi.Notify(context.Background(), violation())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack down")
	assert.Equal(t, 1, n2.notifyCalls)
}

func TestMulti_Close(t *testing.T) {
	n1 := &mockNotifier{closeErr: errors.New("close failed")}
	n2 := &mockNotifier{}
	multi := NewMulti(n1, n2)

	err := multi.Close()

	assert.Error(t, err)
	assert.Equal(t, 1, n1.closeCalls)
	assert.Equal(t, 1, n2.closeCalls)
}

func TestMulti_Empty(t *testing.T) {
	multi := NewMulti()
	assert.NoError(t, multi.Notify(context.Background(), violation()))
	assert.NoError(t, multi.Close())
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier()
	assert.NoError(t, n.Notify(context.Background(), violation()))
	assert.NoError(t, n.Close())
}

func TestChannelNotifier(t *testing.T) {
	n := NewChannelNotifier(1)

	require.NoError(t, n.Notify(context.Background(), violation()))
	require.NoError(t, n.Notify(context.Background(), violation()))

	assert.Equal(t, int64(1), n.Dropped())
	got := <-n.C()
	assert.Equal(t, "usr_1", got.UserID)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	_, open := <-n.C()
	assert.False(t, open)
	assert.Error(t, n.Notify(context.Background(), violation()))
}

func TestSlackNotifier(t *testing.T) {
	api := &mockSlack{}
	n := &SlackNotifier{api: api, channel: "#mods"}

	require.NoError(t, n.Notify(context.Background(), violation()))
	assert.Equal(t, []string{"#mods"}, api.channels)

	api.err = errors.New("invalid_auth")
	err := n.Notify(context.Background(), violation())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slack post")
}

func TestDiscordNotifier(t *testing.T) {
	session := &mockDiscord{}
	n := &DiscordNotifier{session: session, channelID: "123"}

	require.NoError(t, n.Notify(context.Background(), violation()))
	assert.Equal(t, "123", session.channelID)
	assert.Contains(t, session.content, "Spammer (usr_1) banned in group grp_1")
	assert.Contains(t, session.content, `Keyword: "spam"`)
	assert.NoError(t, n.Close())

	session.err = errors.New("missing access")
	assert.Error(t, n.Notify(context.Background(), violation()))
}

func TestFormatMessage(t *testing.T) {
	v := violation()
	v.Banned = false
	assert.Equal(t, `:shield: [AUTO_BLOCK] Spammer (usr_1) flagged in group grp_1 by rule "No spam": Keyword: "spam"`, formatMessage(v, ":shield:"))
}
