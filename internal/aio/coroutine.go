// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package aio

// Coroutine is the resumption target of one suspended operation. The
// goroutine issuing the operation parks in Yield and the loop wakes it with
// Enter. A Coroutine is bound to exactly one operation and is not reused.
type Coroutine struct {
	wake chan struct{}
}

// NewCoroutine returns a coroutine which has not been entered yet.
func NewCoroutine() *Coroutine {
	return &Coroutine{wake: make(chan struct{}, 1)}
}

// Yield blocks until Enter is called. Everything written before the
// corresponding Enter is visible after Yield returns.
func (c *Coroutine) Yield() {
	<-c.wake
}

// Enter resumes the coroutine. It must only be called from a bottom half
// running on the loop. Entering twice is a no-op.
func (c *Coroutine) Enter() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
