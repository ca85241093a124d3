// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewSessionPool_NilFactory(t *testing.T) {
	_, err := NewSessionPool(nil)
	assert.Error(t, err)
}

func TestSessionPool_RefCounting(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	sess := &fakeSession{}
	f := &mockFactory{}
	f.On("Open", mock.Anything, key).Return(sess, nil).Once()

	p, err := NewSessionPool(f)
	require.NoError(t, err)
	defer p.Close()

	s1, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 2, p.Refs(key))
	assert.Equal(t, 1, p.Len())

	require.NoError(t, p.Release(key))
	assert.False(t, sess.isClosed())
	require.NoError(t, p.Release(key))
	assert.True(t, sess.isClosed())
	assert.Equal(t, 0, p.Len())
	assert.ErrorIs(t, p.Release(key), ErrSessionNotFound)

	f.AssertExpectations(t)
	assert.Equal(t, int64(1), p.Metrics().SessionsOpened.Value())
	assert.Equal(t, int64(0), p.Metrics().OpenSessions.Value())
}

func TestSessionPool_DistinctKeys(t *testing.T) {
	a := testConn(t, "opc.tcp://a:4840")
	b := testConn(t, "opc.tcp://b:4840")
	f := &mockFactory{}
	f.On("Open", mock.Anything, a).Return(&fakeSession{}, nil).Once()
	f.On("Open", mock.Anything, b).Return(&fakeSession{}, nil).Once()

	p, err := NewSessionPool(f)
	require.NoError(t, err)
	defer p.Close()

	sa, err := p.Acquire(context.Background(), a)
	require.NoError(t, err)
	sb, err := p.Acquire(context.Background(), b)
	require.NoError(t, err)
	assert.NotSame(t, sa, sb)
	assert.Equal(t, 2, p.Len())
	f.AssertExpectations(t)
}

func TestSessionPool_OpenFailure(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	boom := errors.New("connection refused")
	f := &mockFactory{}
	f.On("Open", mock.Anything, key).Return(nil, boom).Once()
	f.On("Open", mock.Anything, key).Return(&fakeSession{}, nil).Once()

	p, err := NewSessionPool(f)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), key)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int64(1), p.Metrics().OpenFailures.Value())

	_, err = p.Acquire(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Refs(key))
}

func TestSessionPool_ConcurrentAcquireOpensOnce(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	release := make(chan struct{})
	var opens int
	var mu sync.Mutex
	factory := SessionFactoryFunc(func(ctx context.Context, k ConnectionKey) (Session, error) {
		mu.Lock()
		opens++
		mu.Unlock()
		<-release
		return &fakeSession{}, nil
	})

	p, err := NewSessionPool(factory)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Acquire(context.Background(), key)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, opens)
	assert.Equal(t, 8, p.Refs(key))
}

func TestSessionPool_ZeroKey(t *testing.T) {
	p, err := NewSessionPool(&mockFactory{})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire(context.Background(), ConnectionKey{})
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestSessionPool_Close(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	sess := &fakeSession{}
	f := &mockFactory{}
	f.On("Open", mock.Anything, key).Return(sess, nil)

	p, err := NewSessionPool(f)
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), key)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	assert.True(t, sess.isClosed())
	require.NoError(t, p.Close())

	_, err = p.Acquire(context.Background(), key)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestSessionPool_HealthCheckEvicts(t *testing.T) {
	key := testConn(t, "opc.tcp://plc:4840")
	sess := &fakeSession{pingErr: StatusBadNoCommunication}
	f := &mockFactory{}
	f.On("Open", mock.Anything, key).Return(sess, nil)

	p, err := NewSessionPool(f, WithHealthCheckFrequency(10*time.Millisecond))
	require.NoError(t, err)
	defer p.Close()

	evicted := make(chan error, 1)
	p.OnEvict(func(k ConnectionKey, cause error) {
		assert.Equal(t, key, k)
		evicted <- cause
	})

	_, err = p.Acquire(context.Background(), key)
	require.NoError(t, err)

	select {
	case cause := <-evicted:
		assert.ErrorIs(t, cause, StatusBadNoCommunication)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not evicted")
	}
	assert.True(t, sess.isClosed())
	assert.Equal(t, 0, p.Len())
	assert.ErrorIs(t, p.Release(key), ErrSessionNotFound)
}
