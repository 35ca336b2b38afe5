package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/quizwars/teambattle-backend/internal/roster"
)

// Notifier is the outbound channel for reaching users who are not connected,
// typically email. Calls are fire-and-forget: failures never affect roster
// state.
type Notifier interface {
	InvitationCreated(ctx context.Context, inv *roster.TeamInvitation)
}

// LogNotifier stands in when no mail provider is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n *LogNotifier) InvitationCreated(_ context.Context, inv *roster.TeamInvitation) {
	n.Log.Info("invitation notification",
		zap.String("invitation_id", inv.ID),
		zap.Int64("invitee_id", inv.InviteeID),
		zap.String("kind", string(inv.Kind)))
}
