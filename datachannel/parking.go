package datachannel

import (
	"sync"
	"time"
)

const (
	// parkTTL bounds how long early frames wait for their route. The race
	// being absorbed is new_connection on the control link losing to the
	// first data frames on the data link, a window of milliseconds; a spot
	// still unclaimed after the TTL belongs to a connection that died.
	parkTTL = 5 * time.Second

	maxParkedConns        = 256
	maxParkedBytesPerConn = 1 << 20
)

// parkingLot holds frames that arrived before their route opened. Payloads
// are copied in; take hands them back in arrival order.
type parkingLot struct {
	mu    sync.Mutex
	spots map[string]*parkedFrames
}

type parkedFrames struct {
	payloads [][]byte
	bytes    int
	parkedAt time.Time
}

func newParkingLot() *parkingLot {
	return &parkingLot{spots: make(map[string]*parkedFrames)}
}

// park stores one early payload for connectionID. It reports false when the
// lot is over capacity, in which case the caller drops the frame. A
// zero-length payload (the end-of-stream marker) parks like any other so the
// replay preserves it.
func (p *parkingLot) park(connectionID string, payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.sweepLocked(now)

	spot, ok := p.spots[connectionID]
	if !ok {
		if len(p.spots) >= maxParkedConns {
			return false
		}
		spot = &parkedFrames{parkedAt: now}
		p.spots[connectionID] = spot
	}
	if spot.bytes+len(payload) > maxParkedBytesPerConn {
		return false
	}
	spot.payloads = append(spot.payloads, append([]byte(nil), payload...))
	spot.bytes += len(payload)
	return true
}

// take removes and returns every parked payload for connectionID in arrival
// order, or nil when nothing was parked.
func (p *parkingLot) take(connectionID string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	spot, ok := p.spots[connectionID]
	if !ok {
		return nil
	}
	delete(p.spots, connectionID)
	return spot.payloads
}

func (p *parkingLot) sweepLocked(now time.Time) {
	for id, spot := range p.spots {
		if now.Sub(spot.parkedAt) > parkTTL {
			delete(p.spots, id)
			droppedUnrouted.Add(float64(len(spot.payloads)))
		}
	}
}
