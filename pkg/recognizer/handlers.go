package recognizer

import "github.com/Agions/xfyun-sdk/pkg/errorsx"

// Handlers are the session callbacks. Any of them may be nil.
//
// Callbacks run one at a time, in emission order, on a goroutine owned by the
// session. They may call Start, Stop and the getters; they must not call
// Close.
//
// Delivery is asynchronous: the state has already changed when a callback
// runs, and the session may have moved on. OnStateChange receives every
// transition in order, but GetState inside it can return a later state. Use
// the argument, not GetState, to follow transitions.
type Handlers struct {
	OnStart func()
	OnStop  func()
	// OnRecognitionResult receives each decoded fragment. isEnd is set on the
	// last fragment of an utterance.
	OnRecognitionResult func(text string, isEnd bool)
	// OnProcess receives the input volume while recording.
	OnProcess     func(volume float64)
	OnError       func(err *errorsx.Error)
	OnStateChange func(state State)
}
