package ai

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed возвращается при записи в завершённую сессию
var ErrStreamClosed = errors.New("recognition stream is closed")

type chunk struct {
	samples []float32
	rate    int
}

// inputQueue - вход потока: Feed пишет, цикл движка читает; close после Finish
type inputQueue struct {
	mu     sync.Mutex
	ch     chan chunk
	closed bool
	quit   <-chan struct{}
}

func newInputQueue(size int, quit <-chan struct{}) *inputQueue {
	return &inputQueue{ch: make(chan chunk, size), quit: quit}
}

func (q *inputQueue) push(samples []float32, rate int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStreamClosed
	}
	select {
	case q.ch <- chunk{samples: samples, rate: rate}:
		return nil
	case <-q.quit:
		return ErrStreamClosed
	}
}

func (q *inputQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// resultPipe - выход потока: канал обновлений, закрывается один раз с итоговой ошибкой
type resultPipe struct {
	results chan Transcript
	quit    <-chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
	done chan struct{}
}

func newResultPipe(size int, quit <-chan struct{}) *resultPipe {
	return &resultPipe{
		results: make(chan Transcript, size),
		quit:    quit,
		done:    make(chan struct{}),
	}
}

// emit отдаёт обновление; false, если поток закрыт
func (p *resultPipe) emit(t Transcript) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.results <- t:
		return true
	case <-p.quit:
		return false
	}
}

// finish закрывает канал результатов; вызывается только из цикла-писателя
func (p *resultPipe) finish(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.results)
		close(p.done)
	})
}

func (p *resultPipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// wait ждёт закрытия результатов или отмены ctx
func (p *resultPipe) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
