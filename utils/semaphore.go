package utils

// Semaphore bounds the number of goroutines working on a shared resource.
type Semaphore chan struct{}

func NewSemaphore(capacity int) Semaphore {
	return make(chan struct{}, capacity)
}

func (s Semaphore) Acquire() {
	s <- struct{}{}
}

func (s Semaphore) Release() {
	<-s
}
