package command

import (
	"fmt"
	"strconv"

	"github.com/rcssim/sidecar/pkg/errors"
)

// CoachKind enumerates the commands accepted on the sim's coach/trainer
// control channel. Values and wire tokens are fixed by the sim protocol.
type CoachKind int

const (
	KindChangeMode CoachKind = iota
	KindMove
	KindCheckBall
	KindStart
	KindRecover
	KindEar
	KindInit
	KindLook
	KindEye
	KindTeamNames
)

var coachKindEncode = map[CoachKind]string{
	KindChangeMode: "change_mode",
	KindMove:       "move",
	KindCheckBall:  "check_ball",
	KindStart:      "start",
	KindRecover:    "recover",
	KindEar:        "ear",
	KindInit:       "init",
	KindLook:       "look",
	KindEye:        "eye",
	KindTeamNames:  "team_names",
}

var coachKindDecode = reverseStringMap(coachKindEncode)

func (k CoachKind) String() string { return coachKindEncode[k] }

// DecodeCoachKind maps a wire token back to its CoachKind.
func DecodeCoachKind(s string) (CoachKind, bool) {
	k, ok := coachKindDecode[s]
	return k, ok
}

// CoachCodec adapts CoachKind's Decode/ParseOk/ParseErr methods to
// internal/resolver's KindCodec interface.
type CoachCodec struct{}

func (CoachCodec) Decode(s string) (CoachKind, bool)              { return DecodeCoachKind(s) }
func (CoachCodec) ParseOk(k CoachKind, tokens []string) (any, bool)  { return k.ParseOk(tokens) }
func (CoachCodec) ParseErr(k CoachKind, tokens []string) (any, bool) { return k.ParseErr(tokens) }

// ArgError is the shared error shape for the two-variant FromStr error
// enums every command.rs error type in the original reduces to: either
// the argument failed to decode ("illegal_mode") or was missing
// ("illegal_command_form").
type ArgError struct {
	Kind CoachKind
	Code string
}

func (e ArgError) Error() string {
	switch e.Code {
	case "illegal_mode":
		return fmt.Sprintf("%s: the specified mode was not valid", e.Kind)
	case "illegal_command_form":
		return fmt.Sprintf("%s: a required argument was omitted", e.Kind)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
}

func decodeArgError(k CoachKind, tokens []string) (any, bool) {
	if len(tokens) != 1 {
		return nil, false
	}
	switch tokens[0] {
	case "illegal_mode", "illegal_command_form":
		return ArgError{Kind: k, Code: tokens[0]}, true
	default:
		return nil, false
	}
}

// ParseOk dispatches a parsed ok-reply's remaining tokens to the typed
// parser for this kind, mirroring CommandKind::parse_ret_ok's per-kind
// match in the original resolver.
func (k CoachKind) ParseOk(tokens []string) (any, bool) {
	switch k {
	case KindChangeMode:
		return nil, false // never ok
	case KindMove:
		return nil, len(tokens) == 0
	case KindCheckBall:
		if len(tokens) != 2 {
			return nil, false
		}
		timestep, err := strconv.ParseUint(tokens[0], 10, 16)
		if err != nil {
			return nil, false
		}
		pos, ok := DecodeBallPosition(tokens[1])
		if !ok {
			return nil, false
		}
		return CheckBallResult{Time: uint16(timestep), Position: pos}, true
	case KindStart, KindRecover, KindInit:
		return nil, len(tokens) == 0
	case KindEar:
		if len(tokens) != 1 {
			return nil, false
		}
		m, ok := DecodeEarMode(tokens[0])
		if !ok {
			return nil, false
		}
		return m, true
	case KindLook:
		// The sim's multi-line `look` reply format is not specified;
		// the original implementation leaves this unparsed.
		return nil, false
	case KindEye:
		if len(tokens) != 1 {
			return nil, false
		}
		m, ok := DecodeEyeMode(tokens[0])
		if !ok {
			return nil, false
		}
		return m, true
	case KindTeamNames:
		return parseTeamNames(tokens)
	default:
		return nil, false
	}
}

// ParseErr dispatches an error-reply's remaining tokens to the typed
// error parser for this kind. Used by the resolver to try every
// currently-waiting kind in turn when a bare "(error ...)" reply carries
// no embedded kind.
func (k CoachKind) ParseErr(tokens []string) (any, bool) {
	switch k {
	case KindChangeMode:
		return decodeArgError(k, tokens)
	case KindEar:
		return decodeArgError(k, tokens)
	case KindEye:
		return decodeArgError(k, tokens)
	case KindMove:
		// The original leaves this unimplemented ("really complex too").
		return nil, false
	default:
		return nil, false // CheckBall, Start, Recover, Init, Look, TeamNames never error
	}
}

// CheckBallResult is check_ball's typed ok value.
type CheckBallResult struct {
	Time     uint16
	Position BallPosition
}

func parseTeamNames(tokens []string) (any, bool) {
	parseTeam := func(t []string) (left, right *string, ok bool) {
		if len(t) != 3 || t[0] != "team" {
			return nil, nil, false
		}
		name := t[2]
		switch t[1] {
		case "l":
			return &name, nil, true
		case "r":
			return nil, &name, true
		default:
			return nil, nil, false
		}
	}

	switch len(tokens) {
	case 0:
		return TeamNamesResult{}, true
	case 3:
		left, right, ok := parseTeam(tokens)
		if !ok {
			return nil, false
		}
		return TeamNamesResult{Left: left, Right: right}, true
	case 6:
		l1, r1, ok1 := parseTeam(tokens[0:3])
		l2, r2, ok2 := parseTeam(tokens[3:6])
		if !ok1 || !ok2 {
			return nil, false
		}
		result := TeamNamesResult{}
		if l1 != nil {
			result.Left = l1
		} else {
			result.Left = l2
		}
		if r1 != nil {
			result.Right = r1
		} else {
			result.Right = r2
		}
		return result, true
	default:
		return nil, false
	}
}

// TeamNamesResult is team_names's typed ok value: the left/right team
// names, each absent until assigned by the sim.
type TeamNamesResult struct {
	Left  *string
	Right *string
}

// Command is a concrete, encodable instance of a coach-channel command.
// Kind() identifies the reply-parsing table to use; Encode() produces
// the wire line. Most commands carry no arguments; ChangeMode, Ear, Eye
// and Init do.
type Command interface {
	Kind() CoachKind
	Encode() (string, error)
}

type ChangeMode struct{ PlayMode PlayMode }

func (ChangeMode) Kind() CoachKind { return KindChangeMode }
func (c ChangeMode) Encode() (string, error) {
	return fmt.Sprintf("(%s %s)", KindChangeMode, c.PlayMode.Encode()), nil
}

type Move struct{}

func (Move) Kind() CoachKind { return KindMove }
func (Move) Encode() (string, error) {
	return "", errors.New(errors.CodeNotImplemented, "move.encode is not implemented")
}

type CheckBall struct{}

func (CheckBall) Kind() CoachKind    { return KindCheckBall }
func (CheckBall) Encode() (string, error) { return "(check_ball)", nil }

type Start struct{}

func (Start) Kind() CoachKind         { return KindStart }
func (Start) Encode() (string, error) { return "(start)", nil }

type Recover struct{}

func (Recover) Kind() CoachKind         { return KindRecover }
func (Recover) Encode() (string, error) { return "(recover)", nil }

type Ear struct{ Mode EarMode }

func (Ear) Kind() CoachKind { return KindEar }
func (c Ear) Encode() (string, error) {
	return fmt.Sprintf("(ear %s)", c.Mode.Encode()), nil
}

type Init struct{ Version *uint8 }

func (Init) Kind() CoachKind { return KindInit }
func (c Init) Encode() (string, error) {
	if c.Version != nil {
		return fmt.Sprintf("(init %d)", *c.Version), nil
	}
	return "(init)", nil
}

type Look struct{}

func (Look) Kind() CoachKind         { return KindLook }
func (Look) Encode() (string, error) { return "(look)", nil }

type Eye struct{ Mode EyeMode }

func (Eye) Kind() CoachKind { return KindEye }
func (c Eye) Encode() (string, error) {
	return fmt.Sprintf("(eye %s)", c.Mode.Encode()), nil
}

type TeamNames struct{}

func (TeamNames) Kind() CoachKind         { return KindTeamNames }
func (TeamNames) Encode() (string, error) { return "(team_names)", nil }
