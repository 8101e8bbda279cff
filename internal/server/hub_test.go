package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Tyrowin/wh00t/internal/metrics"
	"github.com/Tyrowin/wh00t/internal/protocol"
	"github.com/Tyrowin/wh00t/internal/telemetry"
)

const silence = 50 * time.Millisecond

// recordingMetrics returns instruments backed by a manual reader and a
// function collecting counter totals by instrument name.
func recordingMetrics(t *testing.T) (*metrics.Metrics, func() map[string]int64) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := metrics.NewMetrics(mp.Meter(metrics.MeterName))
	require.NoError(t, err)

	return m, func() map[string]int64 {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		got := map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, md := range sm.Metrics {
				if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						got[md.Name] += dp.Value
					}
				}
			}
		}
		return got
	}
}

func TestRegisterRepliesIntroNamingHandle(t *testing.T) {
	h := newTestHub(t)
	c, ft := newTestClient(t, "neo:1")

	info := h.Register(c, handshake("Neo", protocol.ProfileInit), ClientInfo{Handle: "guest-1", Address: ft.addr})

	assert.Equal(t, "Neo", info.Handle)
	assert.Equal(t, protocol.ProfileUser, info.Profile, "init:user normalizes to user")

	intro := ft.next(t)
	assert.Equal(t, protocol.CategoryClientIntro, intro.Category)
	assert.Equal(t, ServerID, intro.SenderID)
	assert.Contains(t, intro.Payload, "as Neo")
	assert.Contains(t, intro.Payload, ExitString)

	assert.Equal(t, protocol.HistoryStart, ft.next(t).Payload)
	assert.Equal(t, protocol.HistoryEnd, ft.next(t).Payload)
}

func TestRegisterKeepsAllocatedHandleWhenUsernameEmpty(t *testing.T) {
	h := newTestHub(t)
	c, ft := newTestClient(t, "anon:1")

	info := h.Register(c, handshake("", protocol.ProfileUser), ClientInfo{Handle: "guest-7", Address: ft.addr})

	assert.Equal(t, "guest-7", info.Handle)
	assert.Contains(t, ft.next(t).Payload, "as guest-7")
}

// TestNewUserSeesReplayBeforeLiveTraffic checks that intro, history start,
// every entry and history end precede any later broadcast.
func TestNewUserSeesReplayBeforeLiveTraffic(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")

	for i := 1; i <= 3; i++ {
		h.Broadcast(chat("Neo", fmt.Sprintf("m%d", i)))
		assert.Equal(t, fmt.Sprintf("m%d", i), neo.next(t).Payload)
	}

	c, trinity := newTestClient(t, "trinity:1")
	h.Register(c, handshake("Trinity", protocol.ProfileUser), ClientInfo{Address: trinity.addr})
	h.Broadcast(chat("Neo", "live"))

	want := []string{"", protocol.HistoryStart, "m1", "m2", "m3", protocol.HistoryEnd, "live"}
	for i, payload := range want {
		env := trinity.next(t)
		if i == 0 {
			assert.Equal(t, protocol.CategoryClientIntro, env.Category)
			continue
		}
		assert.Equal(t, payload, env.Payload, "frame %d", i)
	}

	join := neo.next(t)
	assert.Equal(t, protocol.CategoryBroadcastIntro, join.Category)
	assert.Contains(t, join.Payload, "Trinity has connected")
	assert.Equal(t, protocol.AudienceAll, join.Audience)
	assert.Equal(t, "live", neo.next(t).Payload)
}

func TestReplayRoundTripPreservesEnvelope(t *testing.T) {
	h := newTestHub(t)
	joinUser(t, h, "Neo")

	sent := protocol.Envelope{
		SenderID: "Neo",
		Profile:  protocol.ProfileUser,
		Category: "chat_message",
		Payload:  "follow the white rabbit",
		Time:     "10/14 11:59",
	}
	h.Broadcast(sent)

	c, ft := newTestClient(t, "late:1")
	h.Register(c, handshake("Late", protocol.ProfileUser), ClientInfo{Address: ft.addr})
	ft.next(t)
	ft.next(t)

	assert.Equal(t, sent, ft.next(t))
	assert.Equal(t, protocol.HistoryEnd, ft.next(t).Payload)
}

func TestSecretReachesUsersOnlyAndSkipsHistory(t *testing.T) {
	m, collect := recordingMetrics(t)
	h := NewHub(Config{}, telemetry.Discard(), m)

	_, neo := joinUser(t, h, "Neo")
	_, bot := joinApp(t, h, "bot")

	h.Broadcast(chat("Neo", "meet me /secret at the phone"))

	secret := neo.next(t)
	assert.Contains(t, secret.Payload, "/secret")
	bot.expectSilence(t, silence)
	assert.Equal(t, 0, h.Stats().History)
	assert.Equal(t, int64(1), collect()["wh00t.envelopes.secret"])
}

func TestSecretMarkerFromAppIsNotSecret(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")
	_, bot := joinApp(t, h, "bot")

	h.Broadcast(protocol.Envelope{SenderID: "bot", Profile: protocol.ProfileApp, Category: "status", Payload: "/secret ok"})

	assert.Equal(t, "/secret ok", neo.next(t).Payload)
	assert.Equal(t, "/secret ok", bot.next(t).Payload)
	assert.Equal(t, 0, h.Stats().History, "app envelopes are never stored")
}

func TestSecretFromInitProfileReachesUsersOnly(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")
	_, bot := joinApp(t, h, "bot")

	env := chat("Neo", "pw is /secret 123")
	env.Profile = protocol.ProfileInit
	h.Broadcast(env)

	assert.Equal(t, "pw is /secret 123", neo.next(t).Payload)
	bot.expectSilence(t, silence)
	assert.Equal(t, 0, h.Stats().History)
}

func TestSecretDebugEnvelopeIsDropped(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")
	_, bot := joinApp(t, h, "bot")

	env, err := protocol.Decode([]byte(`{"id":"Neo","profile":"user","category":"debug:trace","message":"/secret x"}`))
	require.NoError(t, err)
	h.Broadcast(env)

	neo.expectSilence(t, silence)
	bot.expectSilence(t, silence)
	assert.Equal(t, 0, h.Stats().History)
}

func TestAppJoinAndLeaveAreInvisibleToUsers(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")
	_, watcher := joinApp(t, h, "watcher")
	neo.expectSilence(t, silence)

	bot, _ := joinApp(t, h, "bot")

	notice := watcher.next(t)
	assert.Equal(t, protocol.CategoryBroadcastIntro, notice.Category)
	assert.Equal(t, protocol.AudienceApps, notice.Audience)
	neo.expectSilence(t, silence)

	_, ok := h.Unregister(bot)
	require.True(t, ok)
	neo.expectSilence(t, silence)
	watcher.expectSilence(t, silence)
}

func TestUserLeaveNotifiesRemainingUsersOnly(t *testing.T) {
	h := newTestHub(t)
	neoClient, _ := joinUser(t, h, "Neo")
	_, trinity := joinUser(t, h, "Trinity")
	_, bot := joinApp(t, h, "bot")
	trinity.expectSilence(t, silence)

	info, ok := h.Unregister(neoClient)
	require.True(t, ok)
	assert.Equal(t, "Neo", info.Handle)

	left := trinity.next(t)
	assert.Equal(t, protocol.CategoryBroadcastExit, left.Category)
	assert.Contains(t, left.Payload, "Neo has left the chat")
	bot.expectSilence(t, silence)

	_, ok = h.Unregister(neoClient)
	assert.False(t, ok)
}

func TestRenameInPlace(t *testing.T) {
	h := newTestHub(t)
	c, neo := joinUser(t, h, "Neo")
	_, trinity := joinUser(t, h, "Trinity")
	neo.next(t) // Trinity's join notice

	info := h.Register(c, handshake("TheOne", protocol.ProfileUser), ClientInfo{ID: c.id, Handle: "Neo", Address: neo.addr})
	assert.Equal(t, "TheOne", info.Handle)

	clients := h.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "TheOne", clients[0].Handle)
	assert.Equal(t, "Trinity", clients[1].Handle)

	assert.Contains(t, trinity.next(t).Payload, "TheOne has connected")
}

func TestAnnounceAppsOnly(t *testing.T) {
	h := newTestHub(t)
	_, neo := joinUser(t, h, "Neo")
	_, bot := joinApp(t, h, "bot")

	h.Announce(protocol.CategoryClientConnect, "~ guest-9 has connected ~", protocol.AudienceApps)

	env := bot.next(t)
	assert.Equal(t, protocol.CategoryClientConnect, env.Category)
	assert.Equal(t, protocol.AudienceApps, env.Audience)
	neo.expectSilence(t, silence)
}

func TestDebugEnvelopeNotStored(t *testing.T) {
	h := newTestHub(t)
	_, bot := joinApp(t, h, "bot")

	env, err := protocol.Decode([]byte(`{"id":"Neo","profile":"user","category":"debug:trace","message":"x"}`))
	require.NoError(t, err)
	h.Broadcast(env)

	assert.Equal(t, "x", bot.next(t).Payload)
	assert.Equal(t, 0, h.Stats().History)
}

func TestHistoryEvictionCounted(t *testing.T) {
	m, collect := recordingMetrics(t)
	h := NewHub(Config{}, telemetry.Discard(), m)

	for i := 1; i <= 40; i++ {
		h.Broadcast(chat("Neo", fmt.Sprintf("message %d", i)))
	}

	hist := h.History()
	require.Len(t, hist, HistorySize)
	assert.Equal(t, "message 6", hist[0].Payload)
	assert.Equal(t, "message 40", hist[HistorySize-1].Payload)
	assert.Equal(t, int64(5), collect()["wh00t.history.evictions"])
}

// TestRegistryMatchesOpenConnectionsUnderConcurrency registers and
// unregisters from many goroutines at once.
func TestRegistryMatchesOpenConnectionsUnderConcurrency(t *testing.T) {
	h := newTestHub(t)
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		c, ft := newTestClient(t, fmt.Sprintf("peer-%d:1", i))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Register(c, handshake(fmt.Sprintf("user-%02d", i), protocol.ProfileUser), ClientInfo{Address: ft.addr})
			h.Broadcast(chat(fmt.Sprintf("user-%02d", i), "hi"))
			if i%2 == 1 {
				h.Unregister(c)
			}
		}(i)
	}
	wg.Wait()

	clients := h.Clients()
	require.Len(t, clients, n/2)
	for i, info := range clients {
		assert.Equal(t, fmt.Sprintf("user-%02d", i*2), info.Handle)
	}
	assert.Equal(t, n/2, h.Stats().Users)
}

func TestFullOutboxClosesOnlyThatRecipient(t *testing.T) {
	m, collect := recordingMetrics(t)
	h := NewHub(Config{}, telemetry.Discard(), m)

	_, neo := joinUser(t, h, "Neo")

	stalled := newStallTransport()
	slow := NewClient(stalled, time.Second, telemetry.Discard())
	go slow.writePump()
	t.Cleanup(func() {
		slow.closeSend()
		_ = slow.Close()
	})
	h.Register(slow, handshake("Slow", protocol.ProfileUser), ClientInfo{Address: stalled.RemoteAddr()})
	neo.next(t) // Slow's join notice

	// Neo is drained after every broadcast so only Slow's outbox fills.
	total := sendBufferSize + 20
	for i := 1; i <= total; i++ {
		h.Broadcast(chat("Neo", fmt.Sprintf("m%d", i)))
		require.Equal(t, fmt.Sprintf("m%d", i), neo.next(t).Payload)
	}

	require.Eventually(t, func() bool {
		select {
		case <-stalled.closed:
			return true
		default:
			return false
		}
	}, waitTimeout, 10*time.Millisecond)

	h.Broadcast(chat("Neo", "still here"))
	assert.Equal(t, "still here", neo.next(t).Payload)
	assert.Positive(t, collect()["wh00t.delivery.failures"])
}
