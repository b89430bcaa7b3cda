// Package position tracks live positions and their target/stop state.
package position

import (
	"fmt"
	"strings"
	"time"

	"github.com/tchaikit/wave-trader/internal/wave"
)

type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusClosed Status = "CLOSED"
)

type CloseReason string

const (
	CloseSL       CloseReason = "SL"
	CloseTP3      CloseReason = "TP3"
	CloseExternal CloseReason = "EXTERNAL_CLOSE"
)

// Event marks a level newly crossed by a price update.
type Event string

const (
	EventTP1 Event = "TP1_HIT"
	EventTP2 Event = "TP2_HIT"
	EventTP3 Event = "TP3_HIT"
	EventSL  Event = "SL_HIT"
)

type Position struct {
	Symbol    string         `json:"symbol"`
	Timeframe string         `json:"timeframe"`
	Direction wave.Direction `json:"direction"`

	Entry    float64 `json:"entry"`
	StopLoss float64 `json:"sl"`
	TP1      float64 `json:"tp1"`
	TP2      float64 `json:"tp2"`
	TP3      float64 `json:"tp3"`

	Quantity     float64 `json:"qty"`
	RemainingQty float64 `json:"remaining_qty"`

	TP1Hit bool `json:"tp1_hit"`
	TP2Hit bool `json:"tp2_hit"`
	TP3Hit bool `json:"tp3_hit"`
	SLHit  bool `json:"sl_hit"`

	Status       Status      `json:"status"`
	ClosedReason CloseReason `json:"closed_reason,omitempty"`
	OpenedAt     time.Time   `json:"opened_at"`
	ClosedAt     time.Time   `json:"closed_at,omitempty"`
}

// Key is the store key: one active position per symbol and timeframe.
func Key(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + ":" + strings.ToUpper(timeframe)
}

func (p *Position) Key() string {
	return Key(p.Symbol, p.Timeframe)
}

func (p *Position) Validate() error {
	if p.Symbol == "" || p.Timeframe == "" {
		return fmt.Errorf("missing symbol or timeframe")
	}
	if p.Direction != wave.Long && p.Direction != wave.Short {
		return fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.Entry <= 0 || p.Quantity <= 0 {
		return fmt.Errorf("non-positive entry or quantity")
	}
	return nil
}

func (p *Position) crossed(price, level float64, favorable bool) bool {
	if p.Direction == wave.Long {
		if favorable {
			return price >= level
		}
		return price <= level
	}
	if favorable {
		return price <= level
	}
	return price >= level
}

// ApplyPrice advances the hit flags monotonically for a price update and
// performs the single Active to Closed transition. A stop crossing wins
// the closed reason even when targets were hit earlier; those partial
// hits stay recorded.
func (p *Position) ApplyPrice(price float64, now time.Time) []Event {
	if p.Status != StatusActive {
		return nil
	}

	var events []Event
	if !p.TP1Hit && p.crossed(price, p.TP1, true) {
		p.TP1Hit = true
		events = append(events, EventTP1)
	}
	if !p.TP2Hit && p.crossed(price, p.TP2, true) {
		p.TP2Hit = true
		events = append(events, EventTP2)
	}
	if !p.TP3Hit && p.crossed(price, p.TP3, true) {
		p.TP3Hit = true
		events = append(events, EventTP3)
	}
	if !p.SLHit && p.crossed(price, p.StopLoss, false) {
		p.SLHit = true
		events = append(events, EventSL)
	}

	if p.SLHit {
		p.close(CloseSL, now)
	} else if p.TP3Hit {
		p.close(CloseTP3, now)
	}
	return events
}

func (p *Position) close(reason CloseReason, now time.Time) {
	p.Status = StatusClosed
	p.ClosedReason = reason
	p.ClosedAt = now
	p.RemainingQty = 0
}

// RecordExit marks one crossed level as taken after its exchange exit
// went through, updating the open quantity. TP3 and SL exits perform
// the Active to Closed transition.
func (p *Position) RecordExit(ev Event, remaining float64, now time.Time) {
	if p.Status != StatusActive {
		return
	}
	p.RemainingQty = remaining
	switch ev {
	case EventTP1:
		p.TP1Hit = true
	case EventTP2:
		p.TP2Hit = true
	case EventTP3:
		p.TP3Hit = true
		p.close(CloseTP3, now)
	case EventSL:
		p.SLHit = true
		p.close(CloseSL, now)
	}
}

// CloseExternally records a close that happened on the exchange without
// a local level crossing.
func (p *Position) CloseExternally(reason CloseReason, now time.Time) {
	if p.Status != StatusActive {
		return
	}
	p.close(reason, now)
}
