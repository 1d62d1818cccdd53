package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/glimte/mmate-amqp/contracts"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBroker records every frame sent and lets tests inject inbound frames
type mockBroker struct {
	mock.Mock

	mu      sync.Mutex
	sent    []contracts.Frame
	handler contracts.FrameHandler
}

func (m *mockBroker) Send(ctx context.Context, frame contracts.Frame) error {
	m.mu.Lock()
	m.sent = append(m.sent, frame)
	m.mu.Unlock()

	args := m.Called(ctx, frame)
	return args.Error(0)
}

func (m *mockBroker) OnFrame(handler contracts.FrameHandler) {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
}

func (m *mockBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *mockBroker) DeclareQueue(ctx context.Context, name string, options contracts.QueueOptions) (contracts.QueueInfo, error) {
	args := m.Called(ctx, name, options)
	return args.Get(0).(contracts.QueueInfo), args.Error(1)
}

func (m *mockBroker) InspectQueue(ctx context.Context, name string) (contracts.QueueInfo, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(contracts.QueueInfo), args.Error(1)
}

func (m *mockBroker) PurgeQueue(ctx context.Context, name string) (int, error) {
	args := m.Called(ctx, name)
	return args.Int(0), args.Error(1)
}

func (m *mockBroker) DeleteQueue(ctx context.Context, name string) (int, error) {
	args := m.Called(ctx, name)
	return args.Int(0), args.Error(1)
}

// inject delivers an inbound frame the way a transport's reader would
func (m *mockBroker) inject(frame contracts.Frame) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	handler(frame)
}

func (m *mockBroker) frames() []contracts.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.Frame, len(m.sent))
	copy(out, m.sent)
	return out
}

// sentOf returns the sent frames of type T
func sentOf[T contracts.Frame](m *mockBroker) []T {
	var out []T
	for _, f := range m.frames() {
		if typed, ok := f.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMockChannel opens a channel on a mock broker that accepts every frame
func newMockChannel(t *testing.T, options ...ConnectionOption) (*Channel, *mockBroker) {
	t.Helper()

	broker := &mockBroker{}
	broker.On("Send", mock.Anything, mock.Anything).Return(nil)
	broker.On("Close").Return(nil)

	conn := NewConnection(broker, append([]ConnectionOption{WithLogger(quietLogger())}, options...)...)
	ch, err := conn.Channel(context.Background())
	require.NoError(t, err)
	return ch, broker
}

func deliver(ch *Channel, tag string, deliveryTag uint64, body string) *contracts.BasicDeliver {
	return &contracts.BasicDeliver{
		Channel:     ch.ID(),
		ConsumerTag: tag,
		DeliveryTag: deliveryTag,
		RoutingKey:  "q",
		Body:        []byte(body),
	}
}
