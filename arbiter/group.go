package arbiter

type Group uint8

const (
	GroupInvalid     Group = 0
	GroupAdvertising Group = 1
	GroupHeartbeat   Group = 2
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupAdvertising:
		return "Advertising"
	case GroupHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown Group"
	}
}
