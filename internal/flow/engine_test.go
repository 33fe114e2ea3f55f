package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
)

var t0 = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func obs(track int, zone geometry.Zone, sec int) Observation {
	return Observation{TrackID: track, IdentityID: int64(track), Zone: zone, At: t0.Add(time.Duration(sec) * time.Second)}
}

func kindOf(ev Event) Kind {
	if ev == nil {
		return ""
	}
	return ev.Kind()
}

func TestTransitionTable(t *testing.T) {
	zones := []geometry.Zone{geometry.Inside, geometry.Outside, geometry.PassArea}
	want := map[[2]geometry.Zone]Kind{
		{geometry.Outside, geometry.Inside}:    KindEnter,
		{geometry.Inside, geometry.Outside}:    KindExit,
		{geometry.PassArea, geometry.Inside}:   KindEnter,
		{geometry.Inside, geometry.PassArea}:   KindExit,
		{geometry.PassArea, geometry.Outside}:  KindPass,
		{geometry.Outside, geometry.PassArea}:  "",
		{geometry.Inside, geometry.Inside}:     "",
		{geometry.Outside, geometry.Outside}:   "",
		{geometry.PassArea, geometry.PassArea}: "",
	}

	for _, from := range zones {
		for _, to := range zones {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				e := NewEngine("cam1")
				require.Nil(t, e.Observe(obs(1, from, 0)))

				ev := e.Observe(obs(1, to, 1))
				assert.Equal(t, want[[2]geometry.Zone{from, to}], kindOf(ev))
				if ev != nil {
					h := ev.Header()
					assert.Equal(t, from, h.From)
					assert.Equal(t, to, h.To)
					assert.Equal(t, "cam1", h.CameraID)
					assert.Equal(t, 1, h.TrackID)
				}
			})
		}
	}
}

func TestEnterFromOutside(t *testing.T) {
	e := NewEngine("cam1")
	assert.Nil(t, e.Observe(obs(7, geometry.Outside, 0)))

	ev := e.Observe(obs(7, geometry.Inside, 1))
	require.IsType(t, Enter{}, ev)
	assert.Equal(t, geometry.Outside, ev.Header().From)
	assert.Equal(t, geometry.Inside, ev.Header().To)

	assert.Nil(t, e.Observe(obs(7, geometry.Inside, 2)))
}

func TestPassCountedOnce(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(obs(1, geometry.Outside, 0))
	assert.Nil(t, e.Observe(obs(1, geometry.PassArea, 1)))

	ev := e.Observe(obs(1, geometry.Outside, 2))
	require.IsType(t, Pass{}, ev)
	assert.False(t, ev.(Pass).Deferred)

	assert.Nil(t, e.Observe(obs(1, geometry.Outside, 3)))
}

func TestPassIdempotentUnderBoundaryNoise(t *testing.T) {
	e := NewEngine("cam1")
	seq := []geometry.Zone{
		geometry.Outside, geometry.PassArea, geometry.Outside, geometry.PassArea,
		geometry.Outside, geometry.PassArea, geometry.PassArea, geometry.Outside,
	}
	passes := 0
	for i, z := range seq {
		if ev := e.Observe(obs(1, z, i)); ev != nil && ev.Kind() == KindPass {
			passes++
		}
	}
	assert.Equal(t, 1, passes)
	assert.Empty(t, e.Sweep(t0.Add(time.Hour), 5*time.Second))
}

func TestCorridorThenEnterAbandonsPass(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(obs(1, geometry.Outside, 0))
	e.Observe(obs(1, geometry.PassArea, 1))

	ev := e.Observe(obs(1, geometry.Inside, 2))
	require.IsType(t, Enter{}, ev)
	assert.Equal(t, geometry.PassArea, ev.Header().From)

	assert.Empty(t, e.Sweep(t0.Add(time.Minute), 5*time.Second))
}

func TestSweepSynthesizesDeferredPass(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(Observation{TrackID: 3, IdentityID: 42, Zone: geometry.Outside, At: t0})
	e.Observe(Observation{TrackID: 3, IdentityID: 42, Zone: geometry.PassArea, At: t0.Add(time.Second)})
	e.Observe(obs(4, geometry.Inside, 5))

	assert.Empty(t, e.Sweep(t0.Add(3*time.Second), 5*time.Second))

	now := t0.Add(7 * time.Second)
	events := e.Sweep(now, 5*time.Second)
	require.Len(t, events, 1)
	p, ok := events[0].(Pass)
	require.True(t, ok)
	assert.True(t, p.Deferred)
	assert.Equal(t, int64(42), p.IdentityID)
	assert.Equal(t, geometry.PassArea, p.From)
	assert.Equal(t, geometry.Outside, p.To)
	assert.Equal(t, now, p.At)

	_, known := e.Zone(3)
	assert.False(t, known)
	assert.Equal(t, 1, e.Len())
}

func TestSweepSkipsCountedPass(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(obs(1, geometry.PassArea, 0))
	require.IsType(t, Pass{}, e.Observe(obs(1, geometry.Outside, 1)))
	e.Observe(obs(1, geometry.PassArea, 2))

	assert.Empty(t, e.Sweep(t0.Add(time.Minute), 5*time.Second))
}

func TestDrainFlushesPending(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(obs(1, geometry.PassArea, 0))
	e.Observe(obs(2, geometry.Inside, 0))
	e.Observe(obs(3, geometry.Outside, 0))
	e.Observe(obs(3, geometry.PassArea, 1))

	events := e.Drain(t0.Add(2 * time.Second))
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Header().TrackID)
	assert.Equal(t, 3, events[1].Header().TrackID)
	assert.Equal(t, 0, e.Len())
}

func TestPresence(t *testing.T) {
	e := NewEngine("cam1")
	e.Observe(obs(1, geometry.Inside, 0))
	e.Observe(obs(2, geometry.Inside, 0))
	e.Observe(obs(3, geometry.PassArea, 0))

	p := e.Presence()
	assert.Equal(t, 2, p[geometry.Inside])
	assert.Equal(t, 1, p[geometry.PassArea])
	assert.Equal(t, 0, p[geometry.Outside])
}

func TestWithIdentityAndTrigger(t *testing.T) {
	ev := WithIdentity(Exit{Base{TrackID: 1, IdentityID: 1}}, 9)
	assert.Equal(t, int64(9), ev.Header().IdentityID)
	assert.Equal(t, "zone_transition", TriggerReason(ev))
	assert.Equal(t, "idle_timeout", TriggerReason(Pass{Deferred: true}))
	assert.Equal(t, "reid_match", TriggerReason(ReEnter{}))
}

func TestSubjectFallsBackToTrack(t *testing.T) {
	assert.Equal(t, int64(12), Base{TrackID: 12, IdentityID: -1}.Subject())
	assert.Equal(t, int64(3), Base{TrackID: 12, IdentityID: 3}.Subject())
}
