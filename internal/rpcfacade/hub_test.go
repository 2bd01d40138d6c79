package rpcfacade

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubBroadcastReachesRegisteredClient(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte, 1)}
	h.register(c)

	h.broadcast(newNotification(NotifyPoolStatus, map[string]any{"agents": []string{}}))

	select {
	case data := <-c.send:
		require.Contains(t, string(data), NotifyPoolStatus)
	default:
		t.Fatal("expected a message on the client's send channel")
	}
}

func TestHubBroadcastDropsClientWithFullSendBuffer(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte, 1)}
	h.register(c)

	// Fill the buffer so the next broadcast can't enqueue.
	c.send <- []byte("backlog")

	h.broadcast(newNotification(NotifyStatusUpdate, nil))

	h.mu.RLock()
	_, stillRegistered := h.clients[c]
	h.mu.RUnlock()
	require.False(t, stillRegistered, "a client whose buffer is full should be dropped, not blocked on")
}

func TestHubUnregisterClosesSendChannel(t *testing.T) {
	h := newHub()
	c := &client{send: make(chan []byte, 1)}
	h.register(c)
	h.unregister(c)

	_, open := <-c.send
	require.False(t, open, "unregister should close the client's send channel")
}
