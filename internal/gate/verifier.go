package gate

import (
	"context"

	"gatebot/internal/transport"
	"gatebot/pkg/logx"
)

// MemberClient is the slice of the platform adapter the verifier needs.
type MemberClient interface {
	GetChatMember(ctx context.Context, channelID, userID int64) (transport.MembershipStatus, error)
}

// ChannelCheck is the per-channel outcome of a verification pass.
// Err is set when the membership query itself failed; such channels count as
// unsatisfied (the gate fails closed when it cannot see).
type ChannelCheck struct {
	ChannelID int64
	Status    transport.MembershipStatus
	Err       error
}

// Verdict is the outcome of checking one user against the required set at a
// point in time. It is never cached: membership can change at any moment.
type Verdict struct {
	OK      bool
	Missing []ChannelCheck
}

type Verifier struct {
	client MemberClient
	log    logx.Logger
}

func NewVerifier(client MemberClient, log logx.Logger) *Verifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Verifier{client: client, log: log}
}

// Verify checks userID against every channel in channels. All channels are
// evaluated even after a failure so the gate prompt can name every missing
// one. An empty set passes trivially. The verifier never retries; the user's
// next "check again" press is the retry path.
func (v *Verifier) Verify(ctx context.Context, userID int64, channels []int64) Verdict {
	if len(channels) == 0 {
		return Verdict{OK: true}
	}

	var missing []ChannelCheck
	for _, ch := range channels {
		status, err := v.client.GetChatMember(ctx, ch, userID)
		if err != nil {
			v.log.Warn("membership query failed",
				logx.Int64("channel_id", ch),
				logx.Int64("user_id", userID),
				logx.Err(err),
			)
			missing = append(missing, ChannelCheck{ChannelID: ch, Status: transport.StatusNotFound, Err: err})
			continue
		}
		if !status.Satisfies() {
			missing = append(missing, ChannelCheck{ChannelID: ch, Status: status})
		}
	}
	return Verdict{OK: len(missing) == 0, Missing: missing}
}
