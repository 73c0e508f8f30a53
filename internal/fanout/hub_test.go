package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.messenger/internal/connection"
	"sudooom.im.messenger/internal/connection/conntest"
	"sudooom.im.messenger/internal/room"
	"sudooom.im.messenger/pkg/proto"
)

type recordPublisher struct {
	mu    sync.Mutex
	rooms []*proto.RoomEvent
	users []*proto.UserEvent
	conns map[string][]*proto.ConnEvent
}

func (p *recordPublisher) PublishRoom(ev *proto.RoomEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, ev)
	return nil
}

func (p *recordPublisher) PublishUsers(ev *proto.UserEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, ev)
	return nil
}

func (p *recordPublisher) PublishConn(nodeID string, ev *proto.ConnEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		p.conns = make(map[string][]*proto.ConnEvent)
	}
	p.conns[nodeID] = append(p.conns[nodeID], ev)
	return nil
}

type fixture struct {
	conns *connection.Manager
	rooms *room.Manager
	pub   *recordPublisher
	hub   *Hub
}

func newFixture() *fixture {
	f := &fixture{
		conns: connection.NewManager(0),
		rooms: room.NewManager(nil, nil),
		pub:   &recordPublisher{},
	}
	f.hub = NewHub(f.conns, f.rooms, f.pub, "1", conntest.Discard())
	return f
}

func (f *fixture) connect(t *testing.T, userID int64) (*connection.Connection, *conntest.Transport) {
	t.Helper()
	conn, tr := conntest.NewConn(userID, "1")
	_, err := f.conns.Add(conn)
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn, tr
}

var frame = []byte(`{"event":"receive-message","data":{}}`)

func TestToRoomDeliversOncePerConnection(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a1, trA1 := f.connect(t, 1)
	_, trA2 := f.connect(t, 1) // 同一用户的第二个连接，不在房间
	b1, trB1 := f.connect(t, 2)
	_, trC := f.connect(t, 3) // 非参与者

	_, _ = f.rooms.Join(ctx, a1.ID(), 1, 100)
	_, _ = f.rooms.Join(ctx, b1.ID(), 2, 100)

	n := f.hub.ToRoom(100, frame, []int64{1, 2})
	assert.Equal(t, 3, n)

	for _, tr := range []*conntest.Transport{trA1, trA2, trB1} {
		got := tr.WaitFor(proto.EventReceiveMessage, 1, time.Second)
		assert.Len(t, got, 1)
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, trC.Frames())
	assert.Len(t, trA1.Frames(), 1, "room member that is also a participant gets the frame once")

	require.Len(t, f.pub.rooms, 1)
	assert.Equal(t, "1", f.pub.rooms[0].OriginNode)
	assert.Equal(t, []int64{1, 2}, f.pub.rooms[0].AlsoUsers)
}

func TestToUsers(t *testing.T) {
	f := newFixture()
	_, tr1 := f.connect(t, 1)
	_, tr2 := f.connect(t, 1)

	assert.Equal(t, 2, f.hub.ToUsers([]int64{1, 5}, frame))
	tr1.WaitFor(proto.EventReceiveMessage, 1, time.Second)
	tr2.WaitFor(proto.EventReceiveMessage, 1, time.Second)
	assert.Len(t, f.pub.users, 1)

	assert.Equal(t, 0, f.hub.ToUsers(nil, frame))
	assert.Len(t, f.pub.users, 1)
}

func TestToConnLocalAndRemote(t *testing.T) {
	f := newFixture()
	c, tr := f.connect(t, 1)

	assert.True(t, f.hub.ToConn("1", c.ID(), frame))
	tr.WaitFor(proto.EventReceiveMessage, 1, time.Second)

	assert.True(t, f.hub.ToConn("2", 77, frame))
	require.Len(t, f.pub.conns["2"], 1)
	assert.Equal(t, int64(77), f.pub.conns["2"][0].ConnID)

	assert.False(t, f.hub.ToConn("1", 9999, frame))
}

func TestHandleRemoteEventsDeliverLocallyOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	a, trA := f.connect(t, 1)
	_, trB := f.connect(t, 2)
	_, _ = f.rooms.Join(ctx, a.ID(), 1, 100)

	f.hub.HandleRoomEvent(ctx, &proto.RoomEvent{OriginNode: "2", RoomID: 100, Frame: frame, AlsoUsers: []int64{2}})
	trA.WaitFor(proto.EventReceiveMessage, 1, time.Second)
	trB.WaitFor(proto.EventReceiveMessage, 1, time.Second)

	f.hub.HandleUserEvent(ctx, &proto.UserEvent{OriginNode: "2", UserIDs: []int64{2}, Frame: frame})
	assert.Len(t, trB.WaitFor(proto.EventReceiveMessage, 2, time.Second), 2)

	f.hub.HandleConnEvent(ctx, &proto.ConnEvent{OriginNode: "2", ConnID: a.ID(), Frame: frame})
	assert.Len(t, trA.WaitFor(proto.EventReceiveMessage, 2, time.Second), 2)

	assert.Empty(t, f.pub.rooms, "remote events are not re-published")
	assert.Empty(t, f.pub.users)
}

func TestSingleNodeWithoutPublisher(t *testing.T) {
	conns := connection.NewManager(0)
	hub := NewHub(conns, room.NewManager(nil, nil), nil, "1", conntest.Discard())
	assert.Equal(t, 0, hub.ToRoom(1, frame, nil))
	assert.False(t, hub.ToConn("2", 1, frame))
}
