// Package command defines the closed set of coach/trainer and player
// command kinds spoken over the sim's control UDP channels: their wire
// encoding, and the typed ok/error values their replies decode into.
package command

// PlayMode is the sim's match-state enum, the argument to ChangeMode.
// Authored from RoboCup soccer simulator convention (the upstream
// command file for this type was not present in the retrieval pack);
// it follows the same encode/decode-string shape as EyeMode, EarMode
// and BallPosition below.
type PlayMode int

const (
	PlayModeBeforeKickOff PlayMode = iota
	PlayModePlayOn
	PlayModeTimeOver
	PlayModeKickOffL
	PlayModeKickOffR
	PlayModeKickInL
	PlayModeKickInR
	PlayModeFreeKickL
	PlayModeFreeKickR
	PlayModeCornerKickL
	PlayModeCornerKickR
	PlayModeGoalKickL
	PlayModeGoalKickR
	PlayModeGoalL
	PlayModeGoalR
	PlayModeDropBall
	PlayModeOffsideL
	PlayModeOffsideR
)

var playModeEncode = map[PlayMode]string{
	PlayModeBeforeKickOff: "before_kick_off",
	PlayModePlayOn:        "play_on",
	PlayModeTimeOver:      "time_over",
	PlayModeKickOffL:      "kick_off_l",
	PlayModeKickOffR:      "kick_off_r",
	PlayModeKickInL:       "kick_in_l",
	PlayModeKickInR:       "kick_in_r",
	PlayModeFreeKickL:     "free_kick_l",
	PlayModeFreeKickR:     "free_kick_r",
	PlayModeCornerKickL:   "corner_kick_l",
	PlayModeCornerKickR:   "corner_kick_r",
	PlayModeGoalKickL:     "goal_kick_l",
	PlayModeGoalKickR:     "goal_kick_r",
	PlayModeGoalL:         "goal_l",
	PlayModeGoalR:         "goal_r",
	PlayModeDropBall:      "drop_ball",
	PlayModeOffsideL:      "offside_l",
	PlayModeOffsideR:      "offside_r",
}

var playModeDecode = reverseStringMap(playModeEncode)

func (p PlayMode) Encode() string { return playModeEncode[p] }

func DecodePlayMode(s string) (PlayMode, bool) {
	p, ok := playModeDecode[s]
	return p, ok
}

// EyeMode toggles the coach's visual sensor stream.
type EyeMode int

const (
	EyeModeOn EyeMode = iota
	EyeModeOff
)

var eyeModeEncode = map[EyeMode]string{EyeModeOn: "on", EyeModeOff: "off"}
var eyeModeDecode = reverseStringMap(eyeModeEncode)

func (m EyeMode) Encode() string { return eyeModeEncode[m] }

func DecodeEyeMode(s string) (EyeMode, bool) {
	m, ok := eyeModeDecode[s]
	return m, ok
}

// EarMode toggles the coach's audio sensor stream.
type EarMode int

const (
	EarModeOn EarMode = iota
	EarModeOff
)

var earModeEncode = map[EarMode]string{EarModeOn: "on", EarModeOff: "off"}
var earModeDecode = reverseStringMap(earModeEncode)

func (m EarMode) Encode() string { return earModeEncode[m] }

func DecodeEarMode(s string) (EarMode, bool) {
	m, ok := earModeDecode[s]
	return m, ok
}

// BallPosition is check_ball's reported ball location.
type BallPosition int

const (
	BallPositionInField BallPosition = iota
	BallPositionGoalL
	BallPositionGoalR
	BallPositionOutOfField
)

var ballPositionEncode = map[BallPosition]string{
	BallPositionInField:    "in_field",
	BallPositionGoalL:      "goal_l",
	BallPositionGoalR:      "goal_r",
	BallPositionOutOfField: "out_of_field",
}
var ballPositionDecode = reverseStringMap(ballPositionEncode)

func (b BallPosition) Encode() string { return ballPositionEncode[b] }

func DecodeBallPosition(s string) (BallPosition, bool) {
	b, ok := ballPositionDecode[s]
	return b, ok
}

func reverseStringMap[K comparable](m map[K]string) map[string]K {
	r := make(map[string]K, len(m))
	for k, v := range m {
		r[v] = k
	}
	return r
}
