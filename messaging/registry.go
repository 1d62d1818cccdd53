package messaging

import "fmt"

// consumerRegistry maps consumer tags to consumers for one channel.
// It is guarded by the channel mutex.
type consumerRegistry struct {
	byTag map[string]*Consumer
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{byTag: make(map[string]*Consumer)}
}

func (r *consumerRegistry) add(c *Consumer) error {
	if _, exists := r.byTag[c.tag]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConsumerTag, c.tag)
	}
	r.byTag[c.tag] = c
	return nil
}

func (r *consumerRegistry) get(tag string) (*Consumer, bool) {
	c, ok := r.byTag[tag]
	return c, ok
}

func (r *consumerRegistry) remove(tag string) (*Consumer, bool) {
	c, ok := r.byTag[tag]
	if ok {
		delete(r.byTag, tag)
	}
	return c, ok
}

func (r *consumerRegistry) removeAll() []*Consumer {
	out := make([]*Consumer, 0, len(r.byTag))
	for _, c := range r.byTag {
		out = append(out, c)
	}
	r.byTag = make(map[string]*Consumer)
	return out
}

// lockedBy reports whether a new consumer on queue would conflict with one
// already registered here: an exclusive request needs the queue to itself,
// and an existing exclusive consumer admits nobody.
func (r *consumerRegistry) lockedBy(queue string, exclusive bool) (string, bool) {
	for tag, c := range r.byTag {
		if c.queue != queue {
			continue
		}
		if exclusive || c.exclusive {
			return tag, true
		}
	}
	return "", false
}

func (r *consumerRegistry) snapshot() map[string]*Consumer {
	out := make(map[string]*Consumer, len(r.byTag))
	for tag, c := range r.byTag {
		out[tag] = c
	}
	return out
}

func (r *consumerRegistry) count() int {
	return len(r.byTag)
}
