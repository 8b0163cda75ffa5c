package broker_test

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Tyrowin/convochat/internal/broker"
	"github.com/Tyrowin/convochat/internal/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newBroker(opts broker.Options) *broker.ConversationBroker {
	logger := discardLogger()
	return broker.NewConversationBroker(
		broker.NewIdentityRegistry(4, logger),
		broker.NewRoomDirectory(4, logger),
		opts,
		logger,
	)
}

func TestConversationBroker_Create_SkipsOfflineParticipants(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	_, aliceConv := online(b.Registry(), "alice")
	bobGlobal, bobConv := online(b.Registry(), "bob")

	// Given ghost is not online
	// When alice creates a conversation with bob and ghost
	added, err := b.CreateConversation("c1", "alice", []string{"bob", "ghost"})

	// Then only bob is added
	req.NoError(err)
	req.Equal([]string{"bob"}, added)
	req.ElementsMatch([]string{aliceConv.ID(), bobConv.ID()}, memberIDs(b.Rooms().Members("c1")))

	// And bob is told on his global channel, not the conversation channel
	req.Equal([]emitted{{
		Event:   broker.EventAdded,
		Payload: broker.AddedPayload{ConversationID: "c1", Creator: "alice"},
	}}, bobGlobal.Events())
	req.Empty(bobConv.Events())

	owner, ok := b.Owner("c1")
	req.True(ok)
	req.Equal("alice", owner)
}

func TestConversationBroker_Create_PreservesOrderAndDedupes(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")
	online(b.Registry(), "bob")
	online(b.Registry(), "carol")

	added, err := b.CreateConversation("c1", "alice", []string{"carol", "alice", "bob", "carol"})

	req.NoError(err)
	req.Equal([]string{"carol", "bob"}, added)
	req.Len(b.Rooms().Members("c1"), 3)
}

func TestConversationBroker_Create_ParticipantWithoutConversationChannel(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")
	bobGlobal := newHandle(broker.ChannelGlobal)
	b.Registry().RegisterGlobal("bob", bobGlobal)

	added, err := b.CreateConversation("c1", "alice", []string{"bob"})

	req.NoError(err)
	req.Empty(added)
	req.Empty(bobGlobal.Events())
}

func TestConversationBroker_Create_UnknownCreator(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})

	_, err := b.CreateConversation("c1", "nobody", []string{"bob"})
	req.ErrorIs(err, broker.ErrUnknownIdentity)

	b.Registry().RegisterGlobal("alice", newHandle(broker.ChannelGlobal))
	_, err = b.CreateConversation("c1", "alice", nil)
	req.ErrorIs(err, broker.ErrNotInitialized)
	req.Zero(b.Rooms().Len())
}

func TestConversationBroker_Create_NotificationFailureDoesNotRollBack(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")

	// Given bob's global connection already went away
	bobGlobal := mocks.NewMockHandle(ctrl)
	bobGlobal.EXPECT().ID().Return("bob-global").AnyTimes()
	bobGlobal.EXPECT().
		Emit(broker.EventAdded, broker.AddedPayload{ConversationID: "c1", Creator: "alice"}).
		Return(errors.New("connection closed")).
		Times(1)
	bobConv := newHandle(broker.ChannelConversation)
	b.Registry().RegisterGlobal("bob", bobGlobal)
	req.NoError(b.Registry().RegisterConversation("bob", bobConv))
	online(b.Registry(), "carol")

	added, err := b.CreateConversation("c1", "alice", []string{"bob", "carol"})

	// Then both stay in the room
	req.NoError(err)
	req.Equal([]string{"bob", "carol"}, added)
	req.True(b.Rooms().Contains("c1", bobConv))
}

func TestConversationBroker_JoinAndLeave(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	_, aliceConv := online(b.Registry(), "alice")

	req.NoError(b.JoinConversation("c1", "alice"))
	req.True(b.Rooms().Contains("c1", aliceConv))

	// Unknown identities are ignored
	req.NoError(b.JoinConversation("c1", "ghost"))
	b.LeaveConversation("c1", "ghost")
	req.Len(b.Rooms().Members("c1"), 1)

	b.LeaveConversation("c1", "alice")
	req.False(b.Rooms().Contains("c1", aliceConv))
	req.Zero(b.Rooms().Len())
}

func TestConversationBroker_Close(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")
	online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", []string{"bob"})
	req.NoError(err)

	req.Equal(2, b.CloseConversation("c1"))
	req.Nil(b.Rooms().Members("c1"))
	_, ok := b.Owner("c1")
	req.False(ok)
}

func TestConversationBroker_ClosedConversationStaysClosed(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", nil)
	req.NoError(err)
	req.Equal(1, b.CloseConversation("c1"))

	// Neither a join nor a re-create brings it back
	req.ErrorIs(b.JoinConversation("c1", "bob"), broker.ErrRoomClosed)
	_, err = b.CreateConversation("c1", "alice", []string{"bob"})
	req.ErrorIs(err, broker.ErrRoomClosed)

	req.False(b.Rooms().Contains("c1", bobConv))
	req.Nil(b.Rooms().Members("c1"))
	_, ok := b.Owner("c1")
	req.False(ok)
}

func TestConversationBroker_Create_RejectsForeignOwner(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", nil)
	req.NoError(err)

	// The owner may create again
	_, err = b.CreateConversation("c1", "alice", nil)
	req.NoError(err)

	_, err = b.CreateConversation("c1", "bob", nil)
	req.ErrorIs(err, broker.ErrConversationOwned)
	req.False(b.Rooms().Contains("c1", bobConv))
	owner, _ := b.Owner("c1")
	req.Equal("alice", owner)
}

func TestConversationBroker_Create_ConcurrentCreatorsHaveOneOwner(t *testing.T) {
	req := require.New(t)

	for round := 0; round < 50; round++ {
		b := newBroker(broker.Options{})
		creators := []string{"alice", "bob", "carol", "dave"}
		for _, c := range creators {
			online(b.Registry(), c)
		}

		errs := make([]error, len(creators))
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, c := range creators {
			wg.Add(1)
			go func(i int, c string) {
				defer wg.Done()
				<-start
				_, errs[i] = b.CreateConversation("c1", c, nil)
			}(i, c)
		}
		close(start)
		wg.Wait()

		winners := 0
		var winner string
		for i, err := range errs {
			if err == nil {
				winners++
				winner = creators[i]
				continue
			}
			req.ErrorIs(err, broker.ErrConversationOwned)
		}
		req.Equal(1, winners)
		owner, ok := b.Owner("c1")
		req.True(ok)
		req.Equal(winner, owner)
		req.Len(b.Rooms().Members("c1"), 1)
	}
}

func TestConversationBroker_Relay_OnlyReachesRoomMembers(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	_, aliceConv := online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, carolConv := online(b.Registry(), "carol")
	_, err := b.CreateConversation("c1", "alice", []string{"bob"})
	req.NoError(err)
	_, err = b.CreateConversation("c2", "carol", nil)
	req.NoError(err)

	payload := json.RawMessage(`{"conversationId":"c1","foo":"bar"}`)
	delivered := b.Relay("c1", broker.EventUpdated, payload)

	req.Equal(2, delivered)
	want := []emitted{{Event: broker.EventUpdated, Payload: payload}}
	req.Equal(want, aliceConv.Events())
	req.Equal(want, bobConv.Events())
	req.Empty(carolConv.Events())
}

func TestConversationBroker_Relay_SwallowsEmitFailures(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	_, aliceConv := online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", []string{"bob"})
	req.NoError(err)
	bobConv.fail = true

	delivered := b.Relay("c1", broker.EventSent, json.RawMessage(`{"conversationId":"c1"}`))

	req.Equal(1, delivered)
	req.Len(aliceConv.Events(), 1)
}

func TestConversationBroker_Disconnect_KeepsConversationByDefault(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{})
	aliceGlobal, aliceConv := online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", []string{"bob"})
	req.NoError(err)

	rec, ok := b.Registry().RemoveGlobal("alice", aliceGlobal)
	req.True(ok)
	b.Disconnect("alice", rec)

	req.False(b.Rooms().Contains("c1", aliceConv))
	req.True(b.Rooms().Contains("c1", bobConv))
}

func TestConversationBroker_Disconnect_ClosesOwnedConversations(t *testing.T) {
	req := require.New(t)
	b := newBroker(broker.Options{CloseOnCreatorDisconnect: true})
	aliceGlobal, _ := online(b.Registry(), "alice")
	_, bobConv := online(b.Registry(), "bob")
	_, err := b.CreateConversation("c1", "alice", []string{"bob"})
	req.NoError(err)
	_, err = b.CreateConversation("c2", "bob", []string{"alice"})
	req.NoError(err)

	rec, ok := b.Registry().RemoveGlobal("alice", aliceGlobal)
	req.True(ok)
	b.Disconnect("alice", rec)

	req.Nil(b.Rooms().Members("c1"))
	req.Equal([]string{bobConv.ID()}, memberIDs(b.Rooms().Members("c2")))
}
