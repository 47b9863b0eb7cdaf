package chatfu

import (
	"sync"
)

// Subscription is returned when subscribing to a state container.
type Subscription struct {
	stop     func()
	stopOnce sync.Once
}

// Stop removes the listener. It may be called any number of times.
func (s *Subscription) Stop() {
	s.stopOnce.Do(s.stop)
}

// observable keeps track of the listeners of a state container.
type observable struct {
	mutex     sync.Mutex
	nextId    int
	listeners map[int]func()
}

// Subscribe registers a listener that is invoked after every state change. Listeners are invoked
// without any locks held, so they may read state or invoke operations on the container.
func (o *observable) Subscribe(listener func()) *Subscription {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if o.listeners == nil {
		o.listeners = map[int]func(){}
	}
	id := o.nextId
	o.nextId++
	o.listeners[id] = listener
	return &Subscription{
		stop: func() {
			o.mutex.Lock()
			defer o.mutex.Unlock()
			delete(o.listeners, id)
		},
	}
}

func (o *observable) notify() {
	o.mutex.Lock()
	listeners := make([]func(), 0, len(o.listeners))
	for id := 0; id < o.nextId; id++ {
		if l, ok := o.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	o.mutex.Unlock()

	for _, l := range listeners {
		l()
	}
}
