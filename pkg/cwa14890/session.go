package cwa14890

// SESSION STATE:
// The channel goes through three states. No partial handshake may ever be
// observed as Active: the transition InProgress -> Active happens only after
// the last handshake step succeeded, and every failure path drops back to None.
//
//	None ------> InProgress ------> Active
//	  ^              |                 |
//	  +--------------+-----------------+
//	       (teardown or any failure)

// State is the lifecycle flag of a secure messaging channel.
type State int

const (
	// StateNone means no channel is established.
	StateNone State = iota
	// StateInProgress means a handshake is running; the channel is unusable.
	StateInProgress
	// StateActive means session keys are in place and APDUs can be protected.
	StateActive
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateInProgress:
		return "InProgress"
	case StateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

// Flag selects the behavior of Channel.Create.
type Flag int

const (
	// Off tears down any active channel and performs no handshake.
	Off Flag = iota
	// Cold always runs the handshake, discarding any existing session.
	Cold
	// Warm runs the handshake only when no channel is currently active.
	Warm
)

const (
	sessionKeyLen = 16 // KEnc and KMac
	sscLen        = 8  // send sequence counter
)

// session holds the symmetric material of an established channel. It is
// owned exclusively by the Channel and never copied out of it.
type session struct {
	kEnc [sessionKeyLen]byte
	kMac [sessionKeyLen]byte
	ssc  [sscLen]byte
}

// incrementSSC advances the send sequence counter by one, big endian with
// carry. Called exactly once before every protect and unprotect operation.
func (s *session) incrementSSC() {
	for i := sscLen - 1; i >= 0; i-- {
		s.ssc[i]++
		if s.ssc[i] != 0 {
			return
		}
	}
}

func (s *session) zeroize() {
	zero(s.kEnc[:])
	zero(s.kMac[:])
	zero(s.ssc[:])
}

const (
	contributionLen = 32  // KICC and KIFD
	nonceLen        = 8   // RND.ICC and RND.IFD
	tokenLen        = 128 // 1024-bit authentication token
	serialLen       = 8   // SN.ICC and SN.IFD, zero-left-padded
)

// handshake is the scratch material that only lives while Create runs.
// It is zeroized as soon as the session keys are derived or the handshake
// fails, whichever comes first.
type handshake struct {
	kicc   [contributionLen]byte
	kifd   [contributionLen]byte
	rndICC [nonceLen]byte
	rndIFD [nonceLen]byte
	sig    [tokenLen]byte
}

func (h *handshake) zeroize() {
	zero(h.kicc[:])
	zero(h.kifd[:])
	zero(h.rndICC[:])
	zero(h.rndIFD[:])
	zero(h.sig[:])
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
