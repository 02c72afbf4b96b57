package services

import (
	"context"
	"sync"

	"rillcall/internal/core/domain"
	"rillcall/internal/core/ports"
	"rillcall/pkg/utils"
	"rillcall/pkg/validation"

	"go.uber.org/zap"
)

// Directory announces the local user and keeps the server's user list.
type Directory struct {
	signaling ports.SignalingChannel
	observer  ports.CallObserver
	logger    *zap.SugaredLogger

	mu       sync.RWMutex
	username string
	users    []domain.User
}

func NewDirectory(signaling ports.SignalingChannel, observer ports.CallObserver, logger *zap.SugaredLogger) *Directory {
	if observer == nil {
		observer = NopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	d := &Directory{
		signaling: signaling,
		observer:  observer,
		logger:    logger,
	}
	signaling.On(domain.EventUserList, d.handleUserList)
	signaling.OnConnectionState(d.handleConnectionState)
	return d
}

// Register announces username to the server.
func (d *Directory) Register(ctx context.Context, username string) error {
	username = utils.SanitizeString(username)
	if err := validation.ValidateUsername(username); err != nil {
		return err
	}
	if err := d.signaling.Notify(ctx, domain.EventRegisterUser, domain.RegisterUserEvent{Username: username}); err != nil {
		return err
	}

	d.mu.Lock()
	d.username = username
	d.mu.Unlock()
	d.logger.Infow("registered", "username", username)
	return nil
}

func (d *Directory) Username() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.username
}

// Users returns the last list pushed by the server.
func (d *Directory) Users() []domain.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.User, len(d.users))
	copy(out, d.users)
	return out
}

// Peers is Users without the local peer.
func (d *Directory) Peers() []domain.User {
	self := d.signaling.LocalPeerID()
	var out []domain.User
	for _, u := range d.Users() {
		if u.ID != self {
			out = append(out, u)
		}
	}
	return out
}

func (d *Directory) Lookup(id domain.PeerID) (domain.User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if u.ID == id {
			return u, true
		}
	}
	return domain.User{}, false
}

func (d *Directory) handleUserList(_ context.Context, event domain.Event) {
	list, ok := event.(domain.UserListEvent)
	if !ok {
		return
	}

	d.mu.Lock()
	d.users = append([]domain.User(nil), list...)
	d.mu.Unlock()

	d.logger.Debugw("user list updated", "count", len(list))
	d.observer.OnUsers(d.Users())
}

// handleConnectionState announces the username again after a reconnect,
// since the relay forgets peers when their socket drops.
func (d *Directory) handleConnectionState(state domain.ConnectionState) {
	username := d.Username()
	if state != domain.ConnectionStateConnected || username == "" {
		return
	}
	if err := d.signaling.Notify(context.Background(), domain.EventRegisterUser, domain.RegisterUserEvent{Username: username}); err != nil {
		d.logger.Warnw("re-register failed", "username", username, "error", err)
	}
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnCallState(domain.CallSnapshot)               {}
func (NopObserver) OnUsers([]domain.User)                         {}
func (NopObserver) OnRemoteTrack(domain.PeerID, ports.MediaTrack) {}
func (NopObserver) OnError(error)                                 {}
