package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/schedule-bot/internal/models"
)

func TestSubscribeFlowWithFaculty(t *testing.T) {
	st := StartSubscribe()
	assert.Equal(t, AwaitingCategory, st.Step)

	st, err := st.WithCategory("bakalavr", true)
	require.NoError(t, err)
	assert.Equal(t, AwaitingFaculty, st.Step)

	st, err = st.WithFaculty(" CS ")
	require.NoError(t, err)
	st, err = st.WithCourse("2")
	require.NoError(t, err)
	st, err = st.WithGroup("201")
	require.NoError(t, err)

	assert.Equal(t, AwaitingTime, st.Step)
	assert.Equal(t, models.Target{Category: "bakalavr", Faculty: "CS", Course: "2", Group: "201"}, st.Target)
}

func TestSubscribeFlowWithoutFaculty(t *testing.T) {
	st, err := StartSubscribe().WithCategory("magistr", false)
	require.NoError(t, err)
	assert.Equal(t, AwaitingCourse, st.Step)

	st, err = st.WithCourse("1")
	require.NoError(t, err)
	st, err = st.WithGroup("-")
	require.NoError(t, err)
	assert.Equal(t, models.Target{Category: "magistr", Course: "1"}, st.Target)
}

func TestTransitionsRejectWrongStep(t *testing.T) {
	idle := State{Step: Idle}

	_, err := idle.WithCategory("bakalavr", false)
	assert.ErrorIs(t, err, ErrUnexpectedStep)
	_, err = idle.WithGroup("201")
	assert.ErrorIs(t, err, ErrUnexpectedStep)
	_, err = StartBroadcast().WithCourse("1")
	assert.ErrorIs(t, err, ErrUnexpectedStep)

	_, err = State{Step: AwaitingCourse}.WithCourse("  ")
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	s := NewStore(2, time.Hour)

	assert.Equal(t, Idle, s.Get(1).Step)

	s.Put(1, StartSubscribe())
	s.Put(2, StartBroadcast())
	assert.Equal(t, AwaitingCategory, s.Get(1).Step)

	// least recently used is evicted
	s.Put(3, StartSubscribe())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, Idle, s.Get(2).Step)

	s.Put(1, State{Step: Idle})
	assert.Equal(t, Idle, s.Get(1).Step)

	s.Clear(3)
	assert.Zero(t, s.Len())
}

func TestStoreExpires(t *testing.T) {
	s := NewStore(10, 20*time.Millisecond)
	s.Put(1, StartSubscribe())

	assert.Eventually(t, func() bool { return s.Get(1).Step == Idle }, time.Second, 5*time.Millisecond)
}
