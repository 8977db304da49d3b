// Package ibgw adapts the hadrianl/ibapi TWS client to the upstream.Driver
// interface. It is the only package that touches the wire library; the rest
// of the gateway sees upstream.Driver and upstream.Events.
package ibgw

import (
	"time"

	"github.com/hadrianl/ibapi"

	"github.com/nsvirk/ibstreamapi/tickmsg"
	"github.com/nsvirk/ibstreamapi/upstream"
)

// Driver wraps one ibapi.IbClient session.
type Driver struct {
	client  *ibapi.IbClient
	wrapper *wrapper
}

// NewDriver is an upstream.DriverFactory.
func NewDriver(events *upstream.Events) upstream.Driver {
	w := &wrapper{events: events}
	d := &Driver{wrapper: w}
	d.client = ibapi.NewIbClient(w)
	return d
}

func (d *Driver) Connect(host string, port int, clientID int32) error {
	if err := d.client.Connect(host, port, int64(clientID)); err != nil {
		return err
	}
	if err := d.client.HandShake(); err != nil {
		_ = d.client.Disconnect()
		return err
	}
	return d.client.Run()
}

func (d *Driver) Disconnect() error {
	return d.client.Disconnect()
}

func (d *Driver) ReqTickByTickData(reqID int32, contract upstream.Contract, tickType string, numTicks int, ignoreSize bool) error {
	c := toIBContract(contract)
	d.client.ReqTickByTickData(int64(reqID), &c, tickType, int64(numTicks), ignoreSize)
	return nil
}

func (d *Driver) CancelTickByTickData(reqID int32) error {
	d.client.CancelTickByTickData(int64(reqID))
	return nil
}

func (d *Driver) ReqContractDetails(reqID int32, contract upstream.Contract) error {
	c := toIBContract(contract)
	d.client.ReqContractDetails(int64(reqID), &c)
	return nil
}

func (d *Driver) ReqCurrentTime() error {
	d.client.ReqCurrentTime()
	return nil
}

func toIBContract(c upstream.Contract) ibapi.Contract {
	return ibapi.Contract{
		ContractID:      c.ConID,
		Symbol:          c.Symbol,
		SecurityType:    c.SecType,
		Exchange:        c.Exchange,
		PrimaryExchange: c.PrimaryExchange,
		Currency:        c.Currency,
		LocalSymbol:     c.LocalSymbol,
		TradingClass:    c.TradingClass,
		Multiplier:      c.Multiplier,
		Expiry:          c.Expiry,
		Strike:          c.Strike,
		Right:           c.Right,
	}
}

func fromIBContract(c ibapi.Contract) upstream.Contract {
	return upstream.Contract{
		ConID:           c.ContractID,
		Symbol:          c.Symbol,
		SecType:         c.SecurityType,
		Exchange:        c.Exchange,
		PrimaryExchange: c.PrimaryExchange,
		Currency:        c.Currency,
		LocalSymbol:     c.LocalSymbol,
		TradingClass:    c.TradingClass,
		Multiplier:      c.Multiplier,
		Expiry:          c.Expiry,
		Strike:          c.Strike,
		Right:           c.Right,
	}
}

// wrapper translates ibapi callbacks to upstream.Events. The embedded
// default Wrapper absorbs the callbacks the gateway does not consume.
type wrapper struct {
	ibapi.Wrapper
	events *upstream.Events
}

func (w *wrapper) TickByTickAllLast(reqID int64, tickType int64, t int64, price float64, size int64, tickAttribLast ibapi.TickAttribLast, exchange string, specialConditions string) {
	if w.events.TickLast == nil {
		return
	}
	// upstream tick type 1 = Last, 2 = AllLast
	tt := tickmsg.TickTypeAllLast
	if tickType == 1 {
		tt = tickmsg.TickTypeLast
	}
	w.events.TickLast(int32(reqID), tt, t, price, float64(size), tickAttribLast.Unreported)
}

func (w *wrapper) TickByTickBidAsk(reqID int64, t int64, bidPrice float64, askPrice float64, bidSize int64, askSize int64, tickAttribBidAsk ibapi.TickAttribBidAsk) {
	if w.events.TickBidAsk == nil {
		return
	}
	w.events.TickBidAsk(int32(reqID), t, bidPrice, askPrice, float64(bidSize), float64(askSize), tickAttribBidAsk.BidPastLow, tickAttribBidAsk.AskPastHigh)
}

func (w *wrapper) TickByTickMidPoint(reqID int64, t int64, midPoint float64) {
	if w.events.TickMidPoint == nil {
		return
	}
	w.events.TickMidPoint(int32(reqID), t, midPoint)
}

func (w *wrapper) Error(reqID int64, errCode int64, errString string) {
	if w.events.Error != nil {
		w.events.Error(int32(reqID), int(errCode), errString)
	}
}

func (w *wrapper) NextValidID(reqID int64) {
	if w.events.NextValidID != nil {
		w.events.NextValidID(int32(reqID))
	}
}

func (w *wrapper) ContractDetails(reqID int64, conDetails *ibapi.ContractDetails) {
	if w.events.ContractDetails == nil || conDetails == nil {
		return
	}
	w.events.ContractDetails(int32(reqID), upstream.ContractDetails{
		Contract:     fromIBContract(conDetails.Contract),
		LongName:     conDetails.LongName,
		TradingHours: conDetails.TradingHours,
		LiquidHours:  conDetails.LiquidHours,
		TimeZoneID:   conDetails.TimeZoneID,
		MinTick:      conDetails.MinTick,
	})
}

func (w *wrapper) ContractDetailsEnd(reqID int64) {
	if w.events.ContractDetailsEnd != nil {
		w.events.ContractDetailsEnd(int32(reqID))
	}
}

func (w *wrapper) CurrentTime(t time.Time) {
	if w.events.CurrentTime != nil {
		w.events.CurrentTime(t)
	}
}

func (w *wrapper) ConnectionClosed() {
	if w.events.ConnectionClosed != nil {
		w.events.ConnectionClosed()
	}
}
