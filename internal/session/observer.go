package session

// Observer receives session notifications. Methods run on the session's
// actor goroutine and must return quickly; hand work off to another
// goroutine if it can block.
type Observer interface {
	OnMessage(msg ChatMessage)
	// OnParticipants gets the full membership, local identity first.
	OnParticipants(members []string)
	OnStateChange(state State)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Message      func(ChatMessage)
	Participants func([]string)
	StateChange  func(State)
}

func (o ObserverFuncs) OnMessage(msg ChatMessage) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o ObserverFuncs) OnParticipants(members []string) {
	if o.Participants != nil {
		o.Participants(members)
	}
}

func (o ObserverFuncs) OnStateChange(state State) {
	if o.StateChange != nil {
		o.StateChange(state)
	}
}
