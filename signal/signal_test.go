package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/autolua/marshal"
)

func TestDrainIsFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 50; i++ {
		require.NoError(t, q.Send(7, 1, float64(i), marshal.Number(i)))
	}

	got := q.Drain(7)
	require.Len(t, got, 50)
	for i, s := range got {
		assert.Equal(t, float64(i), s.Timestamp)
		v, err := s.Value()
		require.NoError(t, err)
		assert.Equal(t, marshal.Number(i), v)
	}

	assert.Empty(t, q.Drain(7))
	assert.False(t, q.Pending(7))
}

func TestSendAfterDrainGoesToFreshList(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Send(1, 0, 1, marshal.String("a")))

	first := q.Drain(1)
	require.NoError(t, q.Send(1, 0, 2, marshal.String("b")))

	require.Len(t, first, 1)
	assert.Equal(t, `"a"`, first[0].Payload)
	assert.Equal(t, 1, q.Len(1))
	assert.Equal(t, `"b"`, q.Drain(1)[0].Payload)
}

func TestTargetsAreIndependent(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Send(1, 0, 0, marshal.Number(1)))
	require.NoError(t, q.Send(2, 0, 0, marshal.Number(2)))

	q.Remove(1)
	assert.False(t, q.Pending(1))
	assert.True(t, q.Pending(2))
}

func TestSendNilPayload(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Send(1, 0, 0, nil))

	got := q.Drain(1)
	require.Len(t, got, 1)
	assert.Equal(t, "nil", got[0].Payload)
}

func TestConcurrentSendersPreservePerSenderOrder(t *testing.T) {
	q := NewQueue()
	const senders, each = 8, 200

	var wg sync.WaitGroup
	for s := 1; s <= senders; s++ {
		wg.Add(1)
		go func(origin uint32) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_ = q.Send(99, origin, float64(i), marshal.Number(i))
			}
		}(uint32(s))
	}

	var drained []SerializedSignal
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		drained = append(drained, q.Drain(99)...)
		select {
		case <-done:
			drained = append(drained, q.Drain(99)...)
			require.Len(t, drained, senders*each)
			last := make(map[uint32]float64)
			for _, s := range drained {
				prev, seen := last[s.Origin]
				if seen {
					assert.Greater(t, s.Timestamp, prev)
				}
				last[s.Origin] = s.Timestamp
			}
			return
		default:
		}
	}
}

func TestWireFormat(t *testing.T) {
	s := SerializedSignal{Origin: 12, Timestamp: 1700000000.25, Payload: `{["a"]="x|y;z";}`}
	text := s.Encode()
	assert.Equal(t, `12;1700000000.25|{["a"]="x|y;z";}`, text)

	back, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, s, back)

	v, err := back.Value()
	require.NoError(t, err)
	assert.Equal(t, marshal.String("x|y;z"), v.(*marshal.Table).GetString("a"))
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{"", "1;2", "1|x", "a;2|x", "1;b|x", "-1;2|x"} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}
