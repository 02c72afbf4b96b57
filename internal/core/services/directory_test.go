package services

import (
	"context"
	"testing"

	"rillcall/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDirectory_Register(t *testing.T) {
	sig := newMockSignaling("peer-a")
	sig.Mock.On("Notify", mock.Anything, domain.EventRegisterUser, domain.RegisterUserEvent{Username: "alice"}).Return(nil).Once()

	d := NewDirectory(sig, nil, nil)
	require.NoError(t, d.Register(context.Background(), "  alice "))
	assert.Equal(t, "alice", d.Username())
	sig.AssertExpectations(t)
}

func TestDirectory_RegisterRejectsInvalidName(t *testing.T) {
	sig := newMockSignaling("peer-a")
	d := NewDirectory(sig, nil, nil)

	assert.Error(t, d.Register(context.Background(), "a"))
	assert.Error(t, d.Register(context.Background(), "bad name!"))
	sig.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)
}

func TestDirectory_UserList(t *testing.T) {
	sig := newMockSignaling("peer-a")
	obs := newRecordingObserver()
	d := NewDirectory(sig, obs, nil)

	sig.push(domain.UserListEvent{
		{ID: "peer-a", Username: "alice"},
		{ID: "peer-b", Username: "bob"},
	})

	assert.Len(t, d.Users(), 2)
	assert.Equal(t, []domain.User{{ID: "peer-b", Username: "bob"}}, d.Peers())

	bob, ok := d.Lookup("peer-b")
	require.True(t, ok)
	assert.Equal(t, "bob", bob.Username)
	_, ok = d.Lookup("peer-z")
	assert.False(t, ok)

	require.Len(t, obs.users, 1)
	assert.Len(t, obs.users[0], 2)
}

func TestDirectory_ReRegistersAfterReconnect(t *testing.T) {
	sig := newMockSignaling("peer-a")
	sig.Mock.On("Notify", mock.Anything, domain.EventRegisterUser, domain.RegisterUserEvent{Username: "alice"}).Return(nil).Twice()

	d := NewDirectory(sig, nil, nil)
	sig.setState(domain.ConnectionStateConnected)
	sig.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, d.Register(context.Background(), "alice"))
	sig.setState(domain.ConnectionStateDisconnected)
	sig.setState(domain.ConnectionStateConnected)
	sig.AssertExpectations(t)
}
