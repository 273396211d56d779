package supervisor

// State is one value of the supervisor's session state machine (§4.G).
type State int

const (
	Idle State = iota
	Selecting
	Connecting
	EstablishingRoutes
	Established
	TearingDown
	Fatal
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Selecting:
		return "Selecting"
	case Connecting:
		return "Connecting"
	case EstablishingRoutes:
		return "Establishing-routes"
	case Established:
		return "Established"
	case TearingDown:
		return "TearingDown"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}
