package verifier

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paymeter/internal/logging"
)

const (
	recipient = "0x0000000000000000000000000000000000000402"
	sender    = "0xaaaa000000000000000000000000000000000001"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func evmSig(b string) string {
	return "0x" + strings.Repeat(b, 32)
}

func solanaSig(fill byte) string {
	var s solana.Signature
	for i := range s {
		s[i] = fill
	}
	return s.String()
}

func newTestVerifier(clock *fakeClock, opts ...Option) *Verifier {
	base := []Option{WithClock(clock.Now), WithLogger(logging.Discard())}
	return New(append(base, opts...)...)
}

func submit(t *testing.T, v *Verifier, sig string) *Record {
	t.Helper()
	r, err := v.Submit(context.Background(), SubmitRequest{
		Signature:         sig,
		ExpectedAmount:    0.01,
		ExpectedRecipient: recipient,
		ExpectedSender:    sender,
	})
	require.NoError(t, err)
	return r
}

func TestSubmit_Validation(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	ctx := context.Background()

	cases := []struct {
		name string
		req  SubmitRequest
		err  error
	}{
		{"bad signature", SubmitRequest{Signature: "nope", ExpectedAmount: 1, ExpectedRecipient: recipient, ExpectedSender: sender}, ErrInvalidSignature},
		{"short evm hash", SubmitRequest{Signature: "0xabcd", ExpectedAmount: 1, ExpectedRecipient: recipient, ExpectedSender: sender}, ErrInvalidSignature},
		{"bad recipient", SubmitRequest{Signature: evmSig("ab"), ExpectedAmount: 1, ExpectedRecipient: "0x123", ExpectedSender: sender}, ErrInvalidAddress},
		{"bad sender", SubmitRequest{Signature: evmSig("ab"), ExpectedAmount: 1, ExpectedRecipient: recipient, ExpectedSender: ""}, ErrInvalidAddress},
		{"zero amount", SubmitRequest{Signature: evmSig("ab"), ExpectedAmount: 0, ExpectedRecipient: recipient, ExpectedSender: sender}, ErrInvalidAmount},
		{"negative amount", SubmitRequest{Signature: evmSig("ab"), ExpectedAmount: -1, ExpectedRecipient: recipient, ExpectedSender: sender}, ErrInvalidAmount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Submit(ctx, tc.req)
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.Equal(t, 0, v.Metrics().Total)
}

func TestSubmit_AcceptsSolanaAndEVM(t *testing.T) {
	v := newTestVerifier(newFakeClock())

	sol := submit(t, v, solanaSig(7))
	assert.Equal(t, StatusPending, sol.Status)

	evm := submit(t, v, "0X"+strings.ToUpper(strings.Repeat("cd", 32)))
	assert.Equal(t, strings.ToLower(evm.Signature), evm.Signature)

	_, err := v.Get(strings.ToUpper(evm.Signature[2:]))
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = v.Get("0X" + strings.ToUpper(evm.Signature[2:]))
	assert.NoError(t, err)
}

func TestSubmit_Duplicate(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	submit(t, v, evmSig("ab"))

	_, err := v.Submit(context.Background(), SubmitRequest{
		Signature: evmSig("ab"), ExpectedAmount: 5, ExpectedRecipient: recipient, ExpectedSender: sender,
	})
	assert.ErrorIs(t, err, ErrDuplicateSignature)
}

func TestUpdateConfirmations_ConfirmingThenVerified(t *testing.T) {
	clock := newFakeClock()
	v := newTestVerifier(clock, WithRequiredConfirmations(32))
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	require.True(t, v.UpdateConfirmations(ctx, sig, 10, 1000, 5000))
	r, _ := v.Get(sig)
	assert.Equal(t, StatusConfirming, r.Status)
	assert.Nil(t, r.VerifiedAt)
	assert.Equal(t, 10, r.Confirmations)

	clock.Advance(12 * time.Second)
	require.True(t, v.UpdateConfirmations(ctx, sig, 32, 1022, 5022))
	r, _ = v.Get(sig)
	assert.Equal(t, StatusVerified, r.Status)
	require.NotNil(t, r.VerifiedAt)
	assert.Equal(t, clock.Now(), *r.VerifiedAt)

	m := v.Metrics()
	assert.Equal(t, 1, m.Verified)
	assert.Equal(t, 12*time.Second, m.AverageConfirmationTime)
	assert.Equal(t, 32.0, m.AverageConfirmations)
}

func TestUpdateConfirmations_TerminalIsImmutable(t *testing.T) {
	clock := newFakeClock()
	v := newTestVerifier(clock, WithRequiredConfirmations(3))
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	require.True(t, v.UpdateConfirmations(ctx, sig, 5, 10, 10))
	before, _ := v.Get(sig)

	assert.False(t, v.UpdateConfirmations(ctx, sig, 1, 1, 1))
	assert.False(t, v.MarkFailed(ctx, sig, "rpc_error"))
	clock.Advance(time.Hour)
	assert.Empty(t, v.CheckTimeouts(ctx))

	after, _ := v.Get(sig)
	assert.Equal(t, before, after)
}

func TestUpdateConfirmations_VerifiedExactlyOnce(t *testing.T) {
	var transitions []Status
	v := newTestVerifier(newFakeClock(), WithRequiredConfirmations(4), WithTransitionHook(func(_ context.Context, _ Status, r *Record) {
		transitions = append(transitions, r.Status)
	}))
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	for _, c := range []int{1, 2, 3, 4, 5, 6} {
		v.UpdateConfirmations(ctx, sig, c, 0, 0)
	}
	assert.Equal(t, []Status{StatusConfirming, StatusVerified}, transitions)
}

func TestUpdateConfirmations_DepthNeverRegresses(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	v.UpdateConfirmations(ctx, sig, 20, 200, 300)
	v.UpdateConfirmations(ctx, sig, 12, 150, 250)

	r, _ := v.Get(sig)
	assert.Equal(t, 20, r.Confirmations)
	assert.Equal(t, uint64(200), r.BlockHeight)
	assert.Equal(t, uint64(300), r.Slot)
}

func TestUpdateConfirmations_Unknown(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	assert.False(t, v.UpdateConfirmations(context.Background(), evmSig("ef"), 10, 0, 0))
}

func TestMarkFailed_RetriesThenFails(t *testing.T) {
	v := newTestVerifier(newFakeClock(), WithMaxRetries(3))
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	v.UpdateConfirmations(ctx, sig, 5, 0, 0)

	require.True(t, v.MarkFailed(ctx, sig, "rpc_timeout"))
	r, _ := v.Get(sig)
	assert.Equal(t, StatusConfirming, r.Status)
	assert.Equal(t, 1, r.RetryCount)
	assert.Equal(t, 5, r.Confirmations)

	require.True(t, v.MarkFailed(ctx, sig, "rpc_timeout"))
	require.True(t, v.MarkFailed(ctx, sig, "tx_not_found"))
	r, _ = v.Get(sig)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Equal(t, 3, r.RetryCount)
	assert.Equal(t, "tx_not_found", r.ErrorCode)

	assert.False(t, v.MarkFailed(ctx, sig, "again"))
	assert.False(t, v.MarkFailed(ctx, evmSig("ef"), "unknown"))
}

func TestCheckTimeouts(t *testing.T) {
	clock := newFakeClock()
	v := newTestVerifier(clock, WithTimeout(5*time.Minute))
	ctx := context.Background()

	a := submit(t, v, evmSig("aa"))
	b := submit(t, v, evmSig("bb"))
	v.UpdateConfirmations(ctx, b.Signature, 3, 0, 0)
	clock.Advance(2 * time.Minute)
	fresh := submit(t, v, evmSig("cc"))

	clock.Advance(3*time.Minute + time.Millisecond)
	sigs := v.CheckTimeouts(ctx)
	assert.Equal(t, []string{a.Signature, b.Signature}, sigs)

	r, _ := v.Get(b.Signature)
	assert.Equal(t, StatusTimeout, r.Status)
	r, _ = v.Get(fresh.Signature)
	assert.Equal(t, StatusPending, r.Status)

	assert.Empty(t, v.CheckTimeouts(ctx))
	assert.Equal(t, 2, v.Metrics().TimedOut)
}

func TestVerifyDetails(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	ctx := context.Background()
	sig := evmSig("ab")
	_, err := v.Submit(ctx, SubmitRequest{Signature: sig, ExpectedAmount: 250, ExpectedRecipient: recipient, ExpectedSender: sender})
	require.NoError(t, err)

	ok := v.VerifyDetails(sig, 250+1e-8, strings.ToUpper(recipient[2:]), sender)
	assert.True(t, ok.Valid, ok.Errors)

	bad := v.VerifyDetails(sig, 250.001, recipient, "0xbbbb000000000000000000000000000000000002")
	assert.False(t, bad.Valid)
	assert.Len(t, bad.Errors, 2)

	unknown := v.VerifyDetails(evmSig("ef"), 1, recipient, sender)
	assert.False(t, unknown.Valid)
}

func TestVerifyDetails_SmallAmountsUseAbsoluteTolerance(t *testing.T) {
	v := newTestVerifier(newFakeClock())
	sig := evmSig("ab")
	submit(t, v, sig) // 0.01

	assert.True(t, v.VerifyDetails(sig, 0.01+5e-10, recipient, sender).Valid)
	assert.False(t, v.VerifyDetails(sig, 0.01+5e-9, recipient, sender).Valid)
}

func TestProgressAndETA(t *testing.T) {
	v := newTestVerifier(newFakeClock(), WithRequiredConfirmations(32), WithBlockTime(400*time.Millisecond))
	ctx := context.Background()
	sig := evmSig("ab")
	submit(t, v, sig)

	v.UpdateConfirmations(ctx, sig, 8, 0, 0)
	p, err := v.Progress(sig)
	require.NoError(t, err)
	assert.Equal(t, 25.0, p)
	eta, err := v.ETA(sig)
	require.NoError(t, err)
	assert.Equal(t, 24*400*time.Millisecond, eta)

	v.UpdateConfirmations(ctx, sig, 40, 0, 0)
	p, _ = v.Progress(sig)
	assert.Equal(t, 100.0, p)
	eta, _ = v.ETA(sig)
	assert.Equal(t, time.Duration(0), eta)

	_, err = v.Progress(evmSig("ef"))
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestExport_OrderedBySubmission(t *testing.T) {
	clock := newFakeClock()
	v := newTestVerifier(clock)
	second := evmSig("bb")
	first := evmSig("cc")
	submit(t, v, first)
	clock.Advance(time.Second)
	submit(t, v, second)

	out := v.Export()
	require.Len(t, out, 2)
	assert.Equal(t, first, out[0].Signature)
	assert.Equal(t, second, out[1].Signature)
}
