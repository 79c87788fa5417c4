package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifierMock struct {
	dests []string
	texts []string
	err   error
}

func (n *notifierMock) Send(_ context.Context, destination, text string) error {
	n.dests = append(n.dests, destination)
	n.texts = append(n.texts, text)
	return n.err
}

func TestService_Send(t *testing.T) {
	mock := &notifierMock{}
	s := &Service{webhook: mock, timeout: time.Second}

	err := s.Send(context.Background(), "http://example.com/hook", map[string]string{"status": "completed"})
	require.NoError(t, err)
	require.Len(t, mock.dests, 1)
	assert.Equal(t, "http://example.com/hook", mock.dests[0])
	assert.JSONEq(t, `{"status":"completed"}`, mock.texts[0])
}

func TestService_SendFailed(t *testing.T) {
	mock := &notifierMock{err: errors.New("connection refused")}
	s := &Service{webhook: mock, timeout: time.Second}

	err := s.Send(context.Background(), "http://example.com/hook", map[string]string{"x": "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "http://example.com/hook")
}

func TestService_SendBadPayload(t *testing.T) {
	mock := &notifierMock{}
	s := &Service{webhook: mock, timeout: time.Second}

	err := s.Send(context.Background(), "http://example.com/hook", func() {}) // not serializable
	require.Error(t, err)
	assert.Empty(t, mock.dests)
}

func TestNewService(t *testing.T) {
	s := NewService(0)
	require.NotNil(t, s)
	assert.Equal(t, 10*time.Second, s.timeout)
	assert.NotNil(t, s.webhook)
}
