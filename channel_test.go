package dw4core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelFIFO_Overflow(t *testing.T) {
	t.Run("EnqueueDropsWhenFull", func(t *testing.T) {
		f := newChannelFIFO(2)
		f.Enqueue(1)
		f.Enqueue(2)
		f.Enqueue(3) // dropped
		b, ok := f.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, byte(1), b)
		b, ok = f.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, byte(2), b)
		_, ok = f.Dequeue()
		assert.False(t, ok)
	})

	t.Run("EnqueueAllDropsNewestOnOverflow", func(t *testing.T) {
		f := newChannelFIFO(3)
		f.EnqueueAll([]byte{1, 2, 3, 4, 5})
		var got []byte
		for {
			b, ok := f.Dequeue()
			if !ok {
				break
			}
			got = append(got, b)
		}
		assert.Equal(t, []byte{1, 2, 3}, got)
	})

	t.Run("ClearEmptiesBuffer", func(t *testing.T) {
		f := newChannelFIFO(4)
		f.EnqueueAll([]byte{1, 2, 3})
		f.Clear()
		assert.True(t, f.Empty())
	})
}

func TestChannelSet_FirstNonEmpty(t *testing.T) {
	t.Run("ScansAscendingAndDequeues", func(t *testing.T) {
		cs := NewChannelSet(8)
		cs.Enqueue(5, 0xAA)
		cs.Enqueue(2, 0xBB)

		ch, b, ok := cs.FirstNonEmpty()
		require := assert.New(t)
		require.True(ok)
		require.Equal(2, ch)
		require.Equal(byte(0xBB), b)

		ch, b, ok = cs.FirstNonEmpty()
		require.True(ok)
		require.Equal(5, ch)
		require.Equal(byte(0xAA), b)
	})

	t.Run("FalseWhenAllEmpty", func(t *testing.T) {
		cs := NewChannelSet(8)
		_, _, ok := cs.FirstNonEmpty()
		assert.False(t, ok)
	})

	t.Run("ChannelRangeIsGuarded", func(t *testing.T) {
		cs := NewChannelSet(8)
		cs.Enqueue(-1, 1)
		cs.Enqueue(NumChannels, 1)
		_, _, ok := cs.FirstNonEmpty()
		assert.False(t, ok)
	})
}
