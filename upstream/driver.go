// Package upstream owns the TWS/Gateway session: connecting with a port
// list, multiplexing tick subscriptions, liveness probing, and error
// classification. The wire protocol itself lives behind the Driver
// interface.
package upstream

import (
	"time"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Contract identifies one instrument upstream.
type Contract struct {
	ConID           int64   `json:"con_id"`
	Symbol          string  `json:"symbol"`
	SecType         string  `json:"sec_type"`
	Exchange        string  `json:"exchange"`
	PrimaryExchange string  `json:"primary_exchange"`
	Currency        string  `json:"currency"`
	LocalSymbol     string  `json:"local_symbol"`
	TradingClass    string  `json:"trading_class"`
	Multiplier      string  `json:"multiplier"`
	Expiry          string  `json:"expiry"`
	Strike          float64 `json:"strike"`
	Right           string  `json:"right"`
}

// ContractDetails is the metadata upstream returns for a contract.
type ContractDetails struct {
	Contract     Contract
	LongName     string
	TradingHours string
	LiquidHours  string
	TimeZoneID   string
	MinTick      float64
}

// Events are the inbound callbacks a Driver implementation must invoke.
// All tick timestamps are upstream event times; seconds are accepted and
// upgraded to microseconds by the tick constructors.
type Events struct {
	TickLast           func(reqID int32, tickType tickmsg.TickType, tsUS int64, price, size float64, unreported bool)
	TickBidAsk         func(reqID int32, tsUS int64, bidPrice, askPrice, bidSize, askSize float64, bidPastLow, askPastHigh bool)
	TickMidPoint       func(reqID int32, tsUS int64, midPoint float64)
	Error              func(reqID int32, code int, msg string)
	NextValidID        func(id int32)
	ContractDetails    func(reqID int32, details ContractDetails)
	ContractDetailsEnd func(reqID int32)
	CurrentTime        func(t time.Time)
	ConnectionClosed   func()
}

// Driver is the upstream TWS API surface this gateway consumes. A concrete
// implementation (see ibgw) adapts a real client library; tests use a fake.
type Driver interface {
	Connect(host string, port int, clientID int32) error
	Disconnect() error
	ReqTickByTickData(reqID int32, contract Contract, tickType string, numTicks int, ignoreSize bool) error
	CancelTickByTickData(reqID int32) error
	ReqContractDetails(reqID int32, contract Contract) error
	ReqCurrentTime() error
}

// DriverFactory builds a fresh driver bound to the given event callbacks.
// A new driver is created per session; drivers are not reused across
// reconnects.
type DriverFactory func(events *Events) Driver
