package hub

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quizroom-service/internal/domain"
)

func newTestHub() *Hub {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func TestBindAndBroadcast(t *testing.T) {
	h := newTestHub()
	a, b, other := NewOutbox("a", 4), NewOutbox("b", 4), NewOutbox("x", 4)
	h.Register(a)
	h.Register(b)
	h.Register(other)

	h.Bind("a", "r1", "u1")
	h.Bind("b", "r1", "u2")
	h.Bind("x", "r2", "u3")
	assert.Equal(t, 2, h.Members("r1"))

	n := h.Broadcast("r1", domain.Envelope{Type: "p"}, domain.Envelope{Type: "adm"})
	assert.Equal(t, 2, n)
	assert.Equal(t, "p", (<-a.Messages()).Type)
	assert.Equal(t, "p", (<-b.Messages()).Type)
	assert.Empty(t, other.Messages())
}

func TestAdminWatcherGetsPrivilegedProjection(t *testing.T) {
	h := newTestHub()
	adm, user := NewOutbox("adm", 4), NewOutbox("u", 4)
	h.Register(adm)
	h.Register(user)

	h.Watch("adm", "r1")
	assert.Equal(t, 0, h.Broadcast("r1", domain.Envelope{Type: "p"}, domain.Envelope{Type: "adm"}), "non-admins cannot watch")

	require.True(t, h.SetAdmin("adm"))
	assert.True(t, h.IsAdmin("adm"))
	assert.False(t, h.IsAdmin("u"))
	h.Watch("adm", "r1")
	h.Bind("u", "r1", "u1")
	// An admin both bound and watching only gets one copy.
	h.Bind("adm", "r1", "u2")

	n := h.Broadcast("r1", domain.Envelope{Type: "p"}, domain.Envelope{Type: "adm"})
	assert.Equal(t, 2, n)
	assert.Equal(t, "adm", (<-adm.Messages()).Type)
	assert.Equal(t, "p", (<-user.Messages()).Type)
	assert.Empty(t, adm.Messages())
}

func TestRebindReturnsPreviousBinding(t *testing.T) {
	h := newTestHub()
	h.Register(NewOutbox("c", 1))

	_, had := h.Bind("c", "r1", "u1")
	assert.False(t, had)

	_, had = h.Bind("c", "r1", "u1")
	assert.False(t, had, "same binding is a no-op")

	prev, had := h.Bind("c", "r2", "u9")
	require.True(t, had)
	assert.Equal(t, Binding{RoomID: "r1", UserID: "u1"}, prev)
	assert.Equal(t, 0, h.Members("r1"))
	assert.Equal(t, 1, h.Members("r2"))
}

func TestBindDisplacesOtherConnectionOfSameUser(t *testing.T) {
	h := newTestHub()
	h.Register(NewOutbox("old", 1))
	h.Register(NewOutbox("new", 1))

	h.Bind("old", "r1", "u1")
	h.Bind("new", "r1", "u1")

	_, ok := h.BindingOf("old")
	assert.False(t, ok)
	b, ok := h.BindingOf("new")
	require.True(t, ok)
	assert.Equal(t, "u1", b.UserID)
	assert.Equal(t, 1, h.Members("r1"))
}

func TestUnregisterDropsEverything(t *testing.T) {
	h := newTestHub()
	h.Register(NewOutbox("c", 1))
	h.SetAdmin("c")
	h.Watch("c", "r1")
	h.Bind("c", "r1", "u1")

	b, ok := h.Unregister("c")
	require.True(t, ok)
	assert.Equal(t, Binding{RoomID: "r1", UserID: "u1"}, b)
	assert.False(t, h.IsAdmin("c"))
	assert.Equal(t, 0, h.Members("r1"))
	assert.Equal(t, 0, h.Broadcast("r1", domain.Envelope{}, domain.Envelope{}))
	assert.False(t, h.Send("c", domain.Envelope{Type: "x"}))

	_, ok = h.Unregister("c")
	assert.False(t, ok)
}

func TestBindUnknownConnection(t *testing.T) {
	h := newTestHub()
	_, had := h.Bind("nope", "r1", "u1")
	assert.False(t, had)
	assert.False(t, h.SetAdmin("nope"))
	assert.Equal(t, 0, h.Members("r1"))
}
