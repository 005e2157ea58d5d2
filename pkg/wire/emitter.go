package wire

// Emitter sends an event with a JSON payload toward the server. The socket
// client is the production implementation; tests substitute a recorder.
type Emitter interface {
	Emit(event string, payload any) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event string, payload any) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(event string, payload any) error {
	return f(event, payload)
}
