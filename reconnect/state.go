package reconnect

import "time"

// State carries the retry counter and the current delay across reconnect attempts. It is
// owned by a single client and mutated only from its event loop.
type State struct {
	setting  Setting
	retryCnt int
	delay    time.Duration
}

func NewState(s Setting) *State {
	return &State{setting: s, delay: s.MinDelay}
}

func (st *State) Setting() Setting     { return st.setting }
func (st *State) RetryCnt() int        { return st.retryCnt }
func (st *State) Delay() time.Duration { return st.delay }

// Update swaps the policy without touching the retry counter; the current delay is clamped
// into the new bounds.
func (st *State) Update(s Setting) {
	st.setting = s
	if st.delay < s.MinDelay {
		st.delay = s.MinDelay
	}
	if st.delay > s.MaxDelay {
		st.delay = s.MaxDelay
	}
}

// Exhausted reports whether MaxRetryCnt consecutive failures have been scheduled already.
func (st *State) Exhausted() bool {
	return st.setting.MaxRetryCnt > 0 && st.retryCnt >= st.setting.MaxRetryCnt
}

// Next computes the delay for the upcoming attempt and counts it as a retry.
func (st *State) Next() time.Duration {
	st.delay = st.setting.NextDelay(st.retryCnt)
	st.retryCnt++
	return st.delay
}

// Reset is called once a connection has been established.
func (st *State) Reset() {
	st.retryCnt = 0
	st.delay = st.setting.MinDelay
}
