package admission

import (
	"testing"
	"time"

	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/stretchr/testify/assert"
)

func alwaysAlive(pid int) bool { return true }

func TestAdmitNoInstrument(t *testing.T) {
	c := NewController(5, 2)
	c.AliveFunc = alwaysAlive

	assert.Equal(t, NoInstrument, c.Admit(""))
}

func TestAdmitAcceptsUnderCap(t *testing.T) {
	c := NewController(5, 2)
	c.AliveFunc = alwaysAlive

	assert.Equal(t, Accept, c.Admit("ARCS"))
	c.Record(1, "ARCS", types.Message{"run_number": "1"})
	assert.Equal(t, Accept, c.Admit("ARCS"))
	c.Record(2, "ARCS", types.Message{"run_number": "2"})

	assert.Equal(t, Reject, c.Admit("ARCS"))
	assert.Equal(t, 2, c.InstrumentCount("ARCS"))
}

func TestAdmitPerInstrumentDisabled(t *testing.T) {
	c := NewController(5, 0)
	c.AliveFunc = alwaysAlive
	c.Record(1, "ARCS", types.Message{})
	c.Record(2, "ARCS", types.Message{})
	c.Record(3, "ARCS", types.Message{})

	assert.Equal(t, NoInstrument, c.Admit("ARCS"))
}

func TestSweepReleasesDeadWorkers(t *testing.T) {
	c := NewController(5, 2)
	dead := map[int]bool{1: true}
	c.AliveFunc = func(pid int) bool { return !dead[pid] }

	c.Record(1, "ARCS", types.Message{})
	c.Record(2, "ARCS", types.Message{})
	assert.Equal(t, 2, c.GlobalCount())

	c.Admit("ARCS") // triggers a sweep
	assert.Equal(t, 1, c.GlobalCount())
	assert.Equal(t, 1, c.InstrumentCount("ARCS"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	c := NewController(5, 2)
	c.AliveFunc = alwaysAlive
	c.Record(7, "HYSPEC", types.Message{})
	c.Release(7)
	c.Release(7)
	assert.Equal(t, 0, c.GlobalCount())
}

func TestWaitForSlotReturnsWhenUnderCap(t *testing.T) {
	c := NewController(1, 0)
	c.AliveFunc = alwaysAlive
	done := make(chan struct{})
	go func() {
		c.WaitForSlot(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("WaitForSlot should return immediately when under cap")
	}
}

func TestSnapshot(t *testing.T) {
	c := NewController(5, 2)
	c.AliveFunc = alwaysAlive
	c.Record(1, "ARCS", types.Message{})
	c.Record(2, "HYSPEC", types.Message{})

	global, byInstrument := c.Snapshot()
	assert.Equal(t, 2, global)
	assert.Equal(t, 1, byInstrument["ARCS"])
	assert.Equal(t, 1, byInstrument["HYSPEC"])
}
