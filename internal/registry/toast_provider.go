package registry

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-toast/toast"
)

// ToastProvider is a desktop-notification Provider backed by Windows
// toast notifications. Ready() reports false on non-Windows platforms, so
// Broadcast silently skips it elsewhere rather than erroring.
type ToastProvider struct {
	appID string
	types map[MessageType]struct{}

	mu      sync.Mutex
	started bool
}

// NewToastProvider constructs a provider that only accepts the given
// message types (empty means "accepts everything").
func NewToastProvider(appID string, types ...MessageType) *ToastProvider {
	if appID == "" {
		appID = "dispatchd"
	}
	set := make(map[MessageType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &ToastProvider{appID: appID, types: set}
}

func (p *ToastProvider) Name() string { return "toast" }

func (p *ToastProvider) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && runtime.GOOS == "windows"
}

func (p *ToastProvider) AcceptedTypes() map[MessageType]struct{} { return p.types }

func (p *ToastProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}

func (p *ToastProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = false
	return nil
}

func (p *ToastProvider) Send(msg ChannelMessage) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast: notifications only supported on Windows")
	}
	notification := toast.Notification{
		AppID:   p.appID,
		Title:   string(msg.Type),
		Message: msg.Text,
		Audio:   toast.Default,
	}
	return notification.Push()
}

func (p *ToastProvider) SetStatus(channelID, status string) error {
	return p.Send(ChannelMessage{ChannelID: channelID, Type: MessageLifecycle, Text: status})
}

// OnInbound is a no-op: toast notifications are outbound-only.
func (p *ToastProvider) OnInbound(func(ChannelMessage)) {}
