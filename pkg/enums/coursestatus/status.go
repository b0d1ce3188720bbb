package coursestatus

type Status struct {
	Name string
}

func (s Status) Code() string {
	return s.Name
}

type Enum struct {
	Pending Status
	Away    Status
	Sent    Status
}

var Statuses = Enum{
	Pending: Status{Name: "pending"},
	Away:    Status{Name: "away"},
	Sent:    Status{Name: "sent"},
}

// Staff actions that move a course forward.
const (
	ActionAway = "away"
	ActionSent = "sent"
)
