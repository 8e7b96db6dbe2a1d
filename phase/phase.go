package phase

import "fmt"

// Phase is a named stage of a flow. Lower priorities run first.
type Phase struct {
	Name     string
	Priority int
}

func (p Phase) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Priority)
}

// Flow selects one of the four phase lists
type Flow int

const (
	In Flow = iota
	Out
	InFault
	OutFault
)

func (f Flow) String() string {
	switch f {
	case In:
		return "in"
	case Out:
		return "out"
	case InFault:
		return "in-fault"
	case OutFault:
		return "out-fault"
	default:
		return fmt.Sprintf("flow(%d)", int(f))
	}
}

// ParseFlow parses the names produced by Flow.String
func ParseFlow(s string) (Flow, error) {
	switch s {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	case "in-fault", "inFault":
		return InFault, nil
	case "out-fault", "outFault":
		return OutFault, nil
	default:
		return 0, fmt.Errorf("unknown flow %q", s)
	}
}

// Flows lists every flow in declaration order
func Flows() []Flow {
	return []Flow{In, Out, InFault, OutFault}
}

// Standard phase names
const (
	Receive       = "receive"
	PreStream     = "pre-stream"
	UserStream    = "user-stream"
	PostStream    = "post-stream"
	Read          = "read"
	PreProtocol   = "pre-protocol"
	UserProtocol  = "user-protocol"
	PostProtocol  = "post-protocol"
	Unmarshal     = "unmarshal"
	PreLogical    = "pre-logical"
	UserLogical   = "user-logical"
	PostLogical   = "post-logical"
	PreInvoke     = "pre-invoke"
	Invoke        = "invoke"
	PostInvoke    = "post-invoke"
	Setup         = "setup"
	PrepareSend   = "prepare-send"
	Write         = "write"
	Marshal       = "marshal"
	Send          = "send"
	EndingSuffix  = "-ending"
	SetupEnding   = Setup + EndingSuffix
	SendEnding    = Send + EndingSuffix
	MarshalEnding = Marshal + EndingSuffix
)

var defaultIn = []string{
	Receive, PreStream, UserStream, PostStream, Read,
	PreProtocol, UserProtocol, PostProtocol, Unmarshal,
	PreLogical, UserLogical, PostLogical,
	PreInvoke, Invoke, PostInvoke,
}

var defaultOut = []string{
	Setup, PreLogical, UserLogical, PostLogical, PrepareSend,
	PreStream, PreProtocol, Write, Marshal, UserProtocol,
	PostProtocol, UserStream, PostStream, Send,
}

// defaultOutPhases appends the ending mirrors of every out phase in reverse
// order, so send-ending runs first and setup-ending last.
func defaultOutPhases() []string {
	names := make([]string, 0, len(defaultOut)*2)
	names = append(names, defaultOut...)
	for i := len(defaultOut) - 1; i >= 0; i-- {
		names = append(names, defaultOut[i]+EndingSuffix)
	}
	return names
}

func sequence(names []string) []Phase {
	phases := make([]Phase, len(names))
	for i, name := range names {
		phases[i] = Phase{Name: name, Priority: (i + 1) * 1000}
	}
	return phases
}
