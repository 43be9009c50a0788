package gateway

// RejectMessage is the error body returned when a Policy declines a request.
const RejectMessage = "Inputs do not meet relay criteria."

// Policy decides whether a parsed request is forwarded upstream.
type Policy interface {
	ShouldRelay(req Request) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(req Request) bool

func (f PolicyFunc) ShouldRelay(req Request) bool { return f(req) }

// AlwaysRelay forwards every request.
var AlwaysRelay Policy = PolicyFunc(func(Request) bool { return true })

// ExclusiveSlot accepts requests where exactly one of the image and audio
// slots carries parts.
var ExclusiveSlot Policy = PolicyFunc(func(req Request) bool {
	return (len(req.Images) > 0) != (len(req.Audios) > 0)
})
