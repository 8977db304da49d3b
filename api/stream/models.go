// Package stream exposes the SSE streaming endpoints: live ticks, and
// historical-buffer playback spliced into live.
package stream

import (
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nsvirk/ibstreamapi/tickmsg"
)

// Parameter bounds.
const (
	minLimit   = 1
	maxLimit   = 10000
	minTimeout = 5 * time.Second
	maxTimeout = 3600 * time.Second
)

// Params are the validated query parameters shared by the streaming
// endpoints.
type Params struct {
	ContractID int64
	TickTypes  []tickmsg.TickType
	Limit      int           // 0 = unlimited
	Timeout    time.Duration // 0 = service default
}

func parseContractID(c echo.Context) (int64, error) {
	cid, err := strconv.ParseInt(c.Param("cid"), 10, 64)
	if err != nil || cid < 1 {
		return 0, fmt.Errorf("invalid contract id %q", c.Param("cid"))
	}
	return cid, nil
}

func parseLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < minLimit || limit > maxLimit {
		return 0, fmt.Errorf("limit must be in [%d, %d]", minLimit, maxLimit)
	}
	return limit, nil
}

func parseTimeout(c echo.Context) (time.Duration, error) {
	raw := c.QueryParam("timeout")
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout < minTimeout || timeout > maxTimeout {
		return 0, fmt.Errorf("timeout must be in [%d, %d] seconds", int(minTimeout.Seconds()), int(maxTimeout.Seconds()))
	}
	return timeout, nil
}

func parseStreamParams(c echo.Context, tickTypesRequired bool) (*Params, error) {
	cid, err := parseContractID(c)
	if err != nil {
		return nil, err
	}

	p := &Params{ContractID: cid}

	if raw := c.QueryParam("tick_types"); raw != "" {
		p.TickTypes, err = tickmsg.ParseTickTypes(raw)
		if err != nil {
			return nil, err
		}
	} else if tickTypesRequired {
		return nil, fmt.Errorf("tick_types is required")
	}

	if p.Limit, err = parseLimit(c); err != nil {
		return nil, err
	}
	if p.Timeout, err = parseTimeout(c); err != nil {
		return nil, err
	}
	return p, nil
}
