package eventloop

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func startLoop() (*Loop, func()) {
	l := New(nil)
	l.Start()
	return l, func() {
		l.Stop()
		l.Wait()
	}
}

func TestLoopRunTwice(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)
	l.Start()
	require.ErrorIs(t, l.Run(), ErrLoopRunning)

	l.Stop()
	l.Wait()
	require.False(t, l.Post(func() {}))
}

func TestLoopPostOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)

	n := 64
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		require.True(t, l.Post(func() {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestTimerOrdering(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)

	var got []string
	done := make(chan struct{})

	// armed before the loop runs so that equal deadlines are possible
	l.SetTimeout(30*time.Millisecond, func(TimerID) { got = append(got, "c") })
	l.SetTimeout(10*time.Millisecond, func(TimerID) { got = append(got, "a") })
	l.SetTimeout(20*time.Millisecond, func(TimerID) { got = append(got, "b") })
	l.SetTimeout(40*time.Millisecond, func(TimerID) { close(done) })

	l.Start()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timers never fired")
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTimerTiesAreFIFO(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := New(nil)

	var got []int
	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		i := i
		l.SetTimeout(0, func(TimerID) { got = append(got, i) })
	}
	l.SetTimeout(0, func(TimerID) { close(done) })

	l.Start()
	defer func() {
		l.Stop()
		l.Wait()
	}()

	<-done
	for i := 0; i < 16; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestKillTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	var fired uint32
	id := l.SetTimeout(20*time.Millisecond, func(TimerID) { atomic.AddUint32(&fired, 1) })
	require.NotZero(t, id)
	require.Equal(t, 1, l.Timers())

	l.KillTimer(id)
	require.Equal(t, 0, l.Timers())

	// unknown and already killed ids are ignored
	l.KillTimer(id)
	l.KillTimer(TimerID(12345))

	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadUint32(&fired))
}

func TestRepeatingTimerSelfCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	var (
		alive   atomic.Bool
		fired   uint32
		stopped = make(chan struct{})
	)
	alive.Store(true)

	l.SetInterval(10*time.Millisecond, func(id TimerID) {
		atomic.AddUint32(&fired, 1)
		if !alive.Load() {
			l.KillTimer(id)
			close(stopped)
		}
	})

	time.Sleep(45 * time.Millisecond)
	alive.Store(false)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("interval timer never observed the dead flag")
	}

	n := atomic.LoadUint32(&fired)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, n, atomic.LoadUint32(&fired))
	require.Equal(t, 0, l.Timers())
}

func TestKillTimerFromOtherCallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	var fired uint32
	done := make(chan struct{})

	victim := l.SetTimeout(30*time.Millisecond, func(TimerID) { atomic.AddUint32(&fired, 1) })
	l.SetTimeout(10*time.Millisecond, func(TimerID) { l.KillTimer(victim) })
	l.SetTimeout(60*time.Millisecond, func(TimerID) { close(done) })

	<-done
	require.EqualValues(t, 0, atomic.LoadUint32(&fired))
}

func TestKillTimerAfterItWasDue(t *testing.T) {
	l := New(nil)

	var fired uint32
	once := l.SetTimeout(0, func(TimerID) { atomic.AddUint32(&fired, 1) })
	every := l.SetInterval(MinInterval, func(TimerID) { atomic.AddUint32(&fired, 1) })

	now := time.Now().Add(time.Second)

	// both timers are taken off the heap before another goroutine kills them
	due, _ := l.nextDue(now)
	require.Equal(t, once, due.id)
	l.KillTimer(once)
	l.fire(due)

	due, _ = l.nextDue(now)
	require.Equal(t, every, due.id)
	l.KillTimer(every)
	l.fire(due)

	require.EqualValues(t, 0, atomic.LoadUint32(&fired))
	require.Equal(t, 0, l.Timers())

	due, wait := l.nextDue(now)
	require.Nil(t, due)
	require.EqualValues(t, -1, wait)
}

func TestResetTimerAfterItWasDue(t *testing.T) {
	l := New(nil)

	var fired uint32
	id := l.SetTimeout(time.Hour, func(TimerID) { atomic.AddUint32(&fired, 1) })

	due, _ := l.nextDue(time.Now().Add(2 * time.Hour))
	require.Equal(t, id, due.id)
	require.True(t, l.ResetTimer(id))
	l.fire(due)

	require.EqualValues(t, 0, atomic.LoadUint32(&fired))
	require.Equal(t, 1, l.Timers())

	_, wait := l.nextDue(time.Now())
	require.Greater(t, wait, 59*time.Minute)
}

func TestResetTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	start := time.Now()
	fired := make(chan time.Time, 1)
	id := l.SetTimeout(100*time.Millisecond, func(TimerID) { fired <- time.Now() })

	time.Sleep(20 * time.Millisecond)
	require.True(t, l.ResetTimer(id))

	at := <-fired
	require.GreaterOrEqual(t, at.Sub(start), 110*time.Millisecond)
	require.False(t, l.ResetTimer(id))
}

func TestPanicInCallbackIsRecovered(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, stop := startLoop()
	defer stop()

	done := make(chan struct{})
	l.Post(func() { panic("boom") })
	l.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop died after a panicking callback")
	}
	t.Logf("Timer Pool => %s", TimerPoolMetrics())
}

func BenchmarkPost(b *testing.B) {
	l, stop := startLoop()
	defer stop()

	var wg sync.WaitGroup
	wg.Add(b.N)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		l.Post(wg.Done)
	}
	wg.Wait()
}
