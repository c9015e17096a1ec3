package constant

type MergeStatus string

const (
	MergeStatusNotStarted MergeStatus = "not_started"
	MergeStatusPending    MergeStatus = "pending"
	MergeStatusProcessing MergeStatus = "processing"
	MergeStatusCompleted  MergeStatus = "completed"
	MergeStatusFailed     MergeStatus = "failed"
)

func (s MergeStatus) String() string {
	return string(s)
}

// mergeTransitions lists every allowed edge of the per-channel merge state machine.
// processing -> pending is only taken by the stale-job reclaim.
var mergeTransitions = map[MergeStatus][]MergeStatus{
	MergeStatusNotStarted: {MergeStatusPending},
	MergeStatusPending:    {MergeStatusProcessing},
	MergeStatusProcessing: {MergeStatusCompleted, MergeStatusFailed, MergeStatusPending},
	MergeStatusFailed:     {MergeStatusPending},
	MergeStatusCompleted:  {MergeStatusPending},
}

func CanTransition(from, to MergeStatus) bool {
	for _, next := range mergeTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Channel string

const (
	ChannelWebcam     Channel = "webcam"
	ChannelScreen     Channel = "screen"
	ChannelMicrophone Channel = "microphone"
)

func (c Channel) String() string {
	return string(c)
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelWebcam, ChannelScreen, ChannelMicrophone:
		return true
	}
	return false
}

// Mergeable reports whether the channel is reassembled into a recording.
// Microphone chunks are stored and served raw only.
func (c Channel) Mergeable() bool {
	return c == ChannelWebcam || c == ChannelScreen
}

var MergeableChannels = []Channel{ChannelWebcam, ChannelScreen}

type StorageBackend string

const (
	StorageBackendLocal       StorageBackend = "local"
	StorageBackendObjectStore StorageBackend = "object_store"
)

func (b StorageBackend) String() string {
	return string(b)
}

func (b StorageBackend) Valid() bool {
	return b == StorageBackendLocal || b == StorageBackendObjectStore
}

type SessionStatus string

const (
	SessionStatusInProgress    SessionStatus = "in_progress"
	SessionStatusSubmitted     SessionStatus = "submitted"
	SessionStatusAutoSubmitted SessionStatus = "auto_submitted"
	SessionStatusDisqualified  SessionStatus = "disqualified"
)

func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusSubmitted, SessionStatusAutoSubmitted, SessionStatusDisqualified:
		return true
	}
	return false
}

type MergeStrategy string

const (
	MergeStrategyFFmpeg MergeStrategy = "ffmpeg"
	MergeStrategyBytes  MergeStrategy = "bytes"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
