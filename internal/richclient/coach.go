package richclient

import (
	"context"
	"fmt"

	"github.com/rcssim/sidecar/internal/command"
	"github.com/rcssim/sidecar/internal/resolver"
	"github.com/rcssim/sidecar/internal/session"
	"github.com/rcssim/sidecar/pkg/errors"
	"github.com/rcssim/sidecar/pkg/logger"
)

// coachKinds is the full trainer command-kind set the coach resolver
// watches for.
var coachKinds = []command.CoachKind{
	command.KindChangeMode,
	command.KindMove,
	command.KindCheckBall,
	command.KindStart,
	command.KindRecover,
	command.KindEar,
	command.KindInit,
	command.KindLook,
	command.KindEye,
	command.KindTeamNames,
}

// coachInitVersion is the handshake version token the coach channel
// has always used against this sim generation (the literal "v5" noted
// in original_source/sidecar/src/coach/command/init.rs's
// version: Option<u8> field, always Some(5) at the one call site).
const coachInitVersion uint8 = 5

// Coach specializes RichClient to the trainer command-kind set.
// Connect() issues "init v5" as its first typed call before returning.
type Coach struct {
	*RichClient[command.CoachKind]
}

// NewCoach builds a Coach over sess. onLatency, if non-nil, observes the
// round-trip seconds of every resolved coach call.
func NewCoach(sess *session.Session, log *logger.Logger, onLatency resolver.LatencyRecorder) *Coach {
	rc := New[command.CoachKind](sess, command.CoachCodec{}, coachKinds, log)
	rc.SetLatencyRecorder(onLatency)
	return &Coach{RichClient: rc}
}

// Connect starts the session and resolver, then performs the
// handshake's application-level init call.
func (c *Coach) Connect(ctx context.Context) error {
	c.RichClient.Connect(ctx)

	version := coachInitVersion
	initCmd := command.Init{Version: &version}
	encoded, err := initCmd.Encode()
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	reply, err := c.Call(callCtx, command.KindInit, encoded)
	if err != nil {
		return errors.Wrap(errors.CodeTimeoutInitResp, "coach init handshake call failed", err)
	}
	if reply.Err != nil {
		return errors.New(errors.CodeTimeoutInitResp, fmt.Sprintf("coach init rejected: %v", reply.Err))
	}
	return nil
}
