package holepunch

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestKeepAliveStopWhenNeverStarted(t *testing.T) {
	k := NewKeepAlive(&fakeSender{}, testPeer, clock.NewMock(), zaptest.NewLogger(t).Sugar())
	k.Stop()
	assert.False(t, k.Running())
	assert.Nil(t, k.C())
}

func TestKeepAliveRestartReplacesTicker(t *testing.T) {
	mock := clock.NewMock()
	k := NewKeepAlive(&fakeSender{}, testPeer, mock, zaptest.NewLogger(t).Sugar())

	k.Start(5 * time.Second)
	first := k.C()
	k.Start(time.Second)
	second := k.C()
	defer k.Stop()

	assert.True(t, k.Running())
	assert.NotEqual(t, first, second)

	mock.Add(5 * time.Second)
	select {
	case <-first:
		t.Fatal("replaced ticker still fires")
	default:
	}
	select {
	case <-second:
	default:
		t.Fatal("current ticker did not fire")
	}
}

func TestKeepAliveBeat(t *testing.T) {
	sender := &fakeSender{}
	k := NewKeepAlive(sender, testPeer, clock.NewMock(), zaptest.NewLogger(t).Sugar())

	k.Beat()
	k.Beat()
	assert.Equal(t, 2, k.Sent())
	assert.Equal(t, [][]byte{[]byte("keep-alive"), []byte("keep-alive")}, sender.payloads())

	sender.err = errors.New("no route to host")
	k.Beat()
	assert.Equal(t, 3, k.Sent())
	assert.Len(t, sender.payloads(), 2)
}
