package confirm

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/mail/mailtest"
	"github.com/algotips/leadsdb/internal/store"
	"github.com/algotips/leadsdb/internal/store/storetest"
	"github.com/algotips/leadsdb/internal/token"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	st     *store.SQLiteStore
	mailer *mailtest.Recorder
	clock  *clock
	wf     *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2020, 6, 4, 12, 0, 0, 0, time.UTC)}
	codec, err := token.New([]byte("test-secret"), token.WithClock(clk.Now))
	require.NoError(t, err)
	renderer, err := mail.NewRenderer()
	require.NoError(t, err)

	st := storetest.NewSQLite(t)
	rec := &mailtest.Recorder{}
	wf := New(st, links.NewBuilder("https://db.algorithmtips.org", codec), renderer, rec, clk.Now)
	return &fixture{st: st, mailer: rec, clock: clk, wf: wf}
}

func tokenFrom(t *testing.T, msg mail.Message) string {
	t.Helper()
	const marker = "confirm your email address: "
	start := strings.Index(msg.Text, marker)
	require.GreaterOrEqual(t, start, 0, "confirmation link not found")
	link, _, _ := strings.Cut(msg.Text[start+len(marker):], "\n")
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestRequest_SendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")

	res, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Result{Outcome: Sent, Delivered: true}, res)
	require.Len(t, f.mailer.To("test@test.net"), 1)
	assert.Equal(t, mail.ConfirmationSubject, f.mailer.Sent()[0].Subject)

	res, err = f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)
	assert.False(t, res.Delivered)
	assert.Len(t, f.mailer.Sent(), 1)
	assert.Equal(t, 1, storetest.Count(t, f.st, "pending_confirmations"))
}

func TestRequest_ThrottleIsPerAddress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := storetest.SeedUser(t, f.st, "u1")
	u2 := storetest.SeedUser(t, f.st, "u2")

	res, err := f.wf.Request(ctx, u1, "shared@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Sent, res.Outcome)

	res, err = f.wf.Request(ctx, u2, "shared@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)
}

func TestRequest_ResendAfterDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")

	_, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)

	f.clock.Advance(4 * time.Minute)
	res, err := f.wf.Request(ctx, uid, "test@test.net", ResendMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Pending, res.Outcome)

	f.clock.Advance(2 * time.Minute)
	res, err = f.wf.Request(ctx, uid, "test@test.net", ResendMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Sent, res.Outcome)
	assert.Len(t, f.mailer.Sent(), 2)
}

func TestRequest_AlreadyConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")
	require.NoError(t, f.st.AddConfirmedEmail(ctx, uid, "test@test.net"))

	res, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, AlreadyConfirmed, res.Outcome)
	assert.Empty(t, f.mailer.Sent())
	assert.Equal(t, 0, storetest.Count(t, f.st, "pending_confirmations"))
}

func TestRequest_MailFailureKeepsPendingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")
	f.mailer.Err = errors.New("relay down")

	res, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	assert.Equal(t, Sent, res.Outcome)
	assert.False(t, res.Delivered)
	assert.Equal(t, 1, storetest.Count(t, f.st, "pending_confirmations"))
}

func TestStage_RollsBackWithCaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")
	boom := errors.New("caller failed")

	err := f.st.InTx(ctx, func(q store.Queries) error {
		staged, err := f.wf.Stage(ctx, q, uid, "test@test.net", DefaultMinDelay)
		require.NoError(t, err)
		assert.Equal(t, Sent, staged.Outcome)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, storetest.Count(t, f.st, "pending_confirmations"))
}

func TestRedeem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")

	_, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	tok := tokenFrom(t, f.mailer.Sent()[0])

	require.NoError(t, f.wf.Redeem(ctx, tok))

	ok, err := f.st.IsConfirmed(ctx, uid, "test@test.net")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, storetest.Count(t, f.st, "pending_confirmations"))

	assert.ErrorIs(t, f.wf.Redeem(ctx, tok), ErrNoSuchConfirmation)
	assert.Equal(t, 1, storetest.Count(t, f.st, "confirmed_emails"))
}

func TestRedeem_ClearsEveryPendingRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")

	_, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.wf.Request(ctx, uid, "test@test.net", ResendMinDelay)
	require.NoError(t, err)
	require.Equal(t, 2, storetest.Count(t, f.st, "pending_confirmations"))

	require.NoError(t, f.wf.Redeem(ctx, tokenFrom(t, f.mailer.Sent()[0])))
	assert.Equal(t, 0, storetest.Count(t, f.st, "pending_confirmations"))

	assert.ErrorIs(t, f.wf.Redeem(ctx, tokenFrom(t, f.mailer.Sent()[1])), ErrNoSuchConfirmation)
}

func TestRedeem_ExpiredAndForged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "u1")

	_, err := f.wf.Request(ctx, uid, "test@test.net", DefaultMinDelay)
	require.NoError(t, err)
	tok := tokenFrom(t, f.mailer.Sent()[0])

	assert.ErrorIs(t, f.wf.Redeem(ctx, tok+"x"), ErrInvalidToken)

	f.clock.Advance(token.ConfirmMaxAge + time.Minute)
	assert.ErrorIs(t, f.wf.Redeem(ctx, tok), ErrInvalidToken)

	ok, err := f.st.IsConfirmed(ctx, uid, "test@test.net")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "sent", Sent.String())
	assert.Equal(t, "already_confirmed", AlreadyConfirmed.String())
	assert.Equal(t, "pending", Pending.String())
}
